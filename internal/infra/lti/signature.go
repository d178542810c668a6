package lti

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"hxat/internal/domain"
)

const (
	MethodHMACSHA1   = "HMAC-SHA1"
	MethodHMACSHA256 = "HMAC-SHA256"

	paramSignature       = "oauth_signature"
	paramSignatureMethod = "oauth_signature_method"
	paramTimestamp       = "oauth_timestamp"
	paramNonce           = "oauth_nonce"
	paramVersion         = "oauth_version"
	paramBodyHash        = "oauth_body_hash"
)

var errUnsupportedMethod = errors.New("unsupported oauth signature method")

// Encode percent-encodes per RFC 3986 section 2.3 as required by OAuth 1.0a.
func Encode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte("0123456789ABCDEF"[c>>4])
		b.WriteByte("0123456789ABCDEF"[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// BaseURI normalizes scheme, host and path and drops the query string and
// fragment. Default ports are omitted.
func BaseURI(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// BaseString builds the signature base string. oauth_signature is never part
// of the normalized parameters.
func BaseString(method, baseURI string, params domain.Params) string {
	pairs := make([][2]string, 0, len(params))
	for _, p := range params {
		if p.Key == paramSignature {
			continue
		}
		pairs = append(pairs, [2]string{Encode(p.Key), Encode(p.Value)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] == pairs[j][0] {
			return pairs[i][1] < pairs[j][1]
		}
		return pairs[i][0] < pairs[j][0]
	})
	parts := make([]string, len(pairs))
	for i, pair := range pairs {
		parts[i] = pair[0] + "=" + pair[1]
	}
	return strings.ToUpper(method) + "&" + Encode(baseURI) + "&" + Encode(strings.Join(parts, "&"))
}

func Sign(signatureMethod, baseString, consumerSecret string) (string, error) {
	var h func() hash.Hash
	switch signatureMethod {
	case MethodHMACSHA1:
		h = sha1.New
	case MethodHMACSHA256:
		h = sha256.New
	default:
		return "", errUnsupportedMethod
	}
	mac := hmac.New(h, []byte(Encode(consumerSecret)+"&"))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignRequest adds the oauth_* protocol parameters and the signature to
// params for an outbound request to rawURL. Query parameters of rawURL are
// part of the signature.
func SignRequest(method, rawURL, consumerKey, consumerSecret string, params domain.Params, now time.Time) (domain.Params, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	out := make(domain.Params, 0, len(params)+7)
	out = append(out, params...)
	out = append(out,
		domain.Param{Key: domain.ParamConsumerKey, Value: consumerKey},
		domain.Param{Key: paramSignatureMethod, Value: MethodHMACSHA1},
		domain.Param{Key: paramTimestamp, Value: strconv.FormatInt(now.Unix(), 10)},
		domain.Param{Key: paramNonce, Value: nonce},
		domain.Param{Key: paramVersion, Value: "1.0"},
	)
	signed := make(domain.Params, 0, len(out)+len(u.Query()))
	signed = append(signed, out...)
	for key, values := range u.Query() {
		for _, v := range values {
			signed = append(signed, domain.Param{Key: key, Value: v})
		}
	}
	sig, err := Sign(MethodHMACSHA1, BaseString(method, BaseURI(u), signed), consumerSecret)
	if err != nil {
		return nil, err
	}
	return append(out, domain.Param{Key: paramSignature, Value: sig}), nil
}

// SignBody signs an outbound request whose body is not form-encoded. The
// body is bound to the signature through oauth_body_hash.
func SignBody(method, rawURL, consumerKey, consumerSecret string, body []byte, now time.Time) (domain.Params, error) {
	sum := sha1.Sum(body)
	params := domain.Params{{Key: paramBodyHash, Value: base64.StdEncoding.EncodeToString(sum[:])}}
	return SignRequest(method, rawURL, consumerKey, consumerSecret, params, now)
}

// AuthorizationHeader renders the oauth_* params as an OAuth Authorization
// header value.
func AuthorizationHeader(params domain.Params) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		if !strings.HasPrefix(p.Key, "oauth_") {
			continue
		}
		parts = append(parts, Encode(p.Key)+`="`+Encode(p.Value)+`"`)
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// ParseForm decodes an application/x-www-form-urlencoded body keeping the
// order in which the parameters were sent.
func ParseForm(body string) (domain.Params, error) {
	out := make(domain.Params, 0, 32)
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Param{Key: k, Value: v})
	}
	return out, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
