package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"hxat/internal/domain"
	"hxat/internal/infra/lti"

	"github.com/spf13/cobra"
)

type signLaunchOptions struct {
	url         string
	consumerKey string
	secret      string
	contextID   string
	userID      string
	name        string
	roles       string
	linkID      string
	params      []string
}

// newSignLaunchCommand prints a signed basic-lti-launch-request form body,
// for exercising a deployment with curl --data @-.
func newSignLaunchCommand() *cobra.Command {
	opts := &signLaunchOptions{}
	cmd := &cobra.Command{
		Use:           "sign-launch",
		Short:         "Print a signed LTI 1.1 launch form body",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignLaunch(opts, time.Now(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "launch URL the form is posted to")
	cmd.Flags().StringVar(&opts.consumerKey, "key", "", "oauth consumer key")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "oauth consumer secret")
	cmd.Flags().StringVar(&opts.contextID, "context", "", "context_id of the course")
	cmd.Flags().StringVar(&opts.userID, "user", "", "user_id of the launching principal")
	cmd.Flags().StringVar(&opts.name, "name", "HxAT Tester", "lis_person_name_full of the launching principal")
	cmd.Flags().StringVar(&opts.roles, "roles", "Learner", "comma separated LTI roles")
	cmd.Flags().StringVar(&opts.linkID, "resource-link", "", "resource_link_id (random when empty)")
	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "extra launch parameter as key=value, repeatable")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func runSignLaunch(opts *signLaunchOptions, now time.Time, out io.Writer) error {
	if opts.contextID == "" || opts.userID == "" {
		return errors.New("--context and --user are required")
	}
	linkID := opts.linkID
	if linkID == "" {
		linkID = "link-" + now.UTC().Format("20060102150405")
	}
	params := domain.Params{
		{Key: domain.ParamMessageType, Value: domain.MessageTypeBasicLaunch},
		{Key: "lti_version", Value: "LTI-1p0"},
		{Key: domain.ParamResourceLinkID, Value: linkID},
		{Key: domain.ParamContextID, Value: opts.contextID},
		{Key: domain.ParamUserID, Value: opts.userID},
		{Key: domain.ParamRoles, Value: opts.roles},
	}
	if opts.name != "" {
		params = append(params, domain.Param{Key: domain.ParamPersonNameFull, Value: opts.name})
	}
	for _, raw := range opts.params {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid --param %q: want key=value", raw)
		}
		params = setParam(params, key, value)
	}

	signed, err := lti.SignRequest("POST", opts.url, opts.consumerKey, opts.secret, params, now)
	if err != nil {
		return err
	}
	pairs := make([]string, 0, len(signed))
	for _, p := range signed {
		pairs = append(pairs, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	_, err = fmt.Fprintln(out, strings.Join(pairs, "&"))
	return err
}

// setParam replaces the first value of key or appends it.
func setParam(params domain.Params, key, value string) domain.Params {
	for i := range params {
		if params[i].Key == key {
			params[i].Value = value
			return params
		}
	}
	return append(params, domain.Param{Key: key, Value: value})
}
