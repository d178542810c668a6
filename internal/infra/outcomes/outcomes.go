package outcomes

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"hxat/internal/domain"
	"hxat/internal/infra/lti"

	"github.com/google/uuid"
)

const poxNamespace = "http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0"

var ErrOutcomeRejected = errors.New("outcome service rejected result")

// Client posts LTI 1.1 Basic Outcomes replaceResult requests, signed with
// the same consumer secret that authenticated the launch.
type Client struct {
	Secrets lti.SecretResolver
	HTTP    *http.Client
	Now     func() time.Time
}

func NewClient(secrets lti.SecretResolver, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Secrets: secrets, HTTP: httpClient, Now: time.Now}
}

// SendGrade is a no-op for scores outside [0,1] and for launches that did
// not declare an outcome service.
func (c *Client) SendGrade(ctx context.Context, rec domain.LaunchRecord, score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil
	}
	serviceURL, sourcedID := rec.OutcomeServiceURL(), rec.ResultSourcedID()
	if serviceURL == "" || sourcedID == "" {
		return nil
	}
	secret, known := c.Secrets.Resolve(rec.ConsumerKey, rec.TenantID)
	if !known {
		return fmt.Errorf("sign outcome for %s: %w", rec.TenantID, domain.ErrUnknownConsumer)
	}

	body, err := replaceResultBody(uuid.NewString(), sourcedID, score)
	if err != nil {
		return err
	}
	oauth, err := lti.SignBody(http.MethodPost, serviceURL, rec.ConsumerKey, secret, body, c.now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", lti.AuthorizationHeader(oauth))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post outcome: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read outcome response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %d", ErrOutcomeRejected, resp.StatusCode)
	}
	var parsed poxResponse
	if err := xml.Unmarshal(payload, &parsed); err != nil {
		return fmt.Errorf("decode outcome response: %w", err)
	}
	status := parsed.Header.Info.Status
	if status.CodeMajor != "success" {
		return fmt.Errorf("%w: %s %s", ErrOutcomeRejected, status.CodeMajor, status.Description)
	}
	return nil
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

type poxRequest struct {
	XMLName xml.Name `xml:"imsx_POXEnvelopeRequest"`
	XMLNS   string   `xml:"xmlns,attr"`
	Header  struct {
		Info struct {
			Version   string `xml:"imsx_version"`
			MessageID string `xml:"imsx_messageIdentifier"`
		} `xml:"imsx_POXRequestHeaderInfo"`
	} `xml:"imsx_POXHeader"`
	Body struct {
		Replace struct {
			Record struct {
				SourcedGUID struct {
					SourcedID string `xml:"sourcedId"`
				} `xml:"sourcedGUID"`
				Result struct {
					Score struct {
						Language string `xml:"language"`
						Value    string `xml:"textString"`
					} `xml:"resultScore"`
				} `xml:"result"`
			} `xml:"resultRecord"`
		} `xml:"replaceResultRequest"`
	} `xml:"imsx_POXBody"`
}

type poxResponse struct {
	Header struct {
		Info struct {
			Status struct {
				CodeMajor   string `xml:"imsx_codeMajor"`
				Severity    string `xml:"imsx_severity"`
				Description string `xml:"imsx_description"`
			} `xml:"imsx_statusInfo"`
		} `xml:"imsx_POXResponseHeaderInfo"`
	} `xml:"imsx_POXHeader"`
}

func replaceResultBody(messageID, sourcedID string, score float64) ([]byte, error) {
	var req poxRequest
	req.XMLNS = poxNamespace
	req.Header.Info.Version = "V1.0"
	req.Header.Info.MessageID = messageID
	rec := &req.Body.Replace.Record
	rec.SourcedGUID.SourcedID = sourcedID
	rec.Result.Score.Language = "en"
	rec.Result.Score.Value = strconv.FormatFloat(score, 'f', -1, 64)

	out, err := xml.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
