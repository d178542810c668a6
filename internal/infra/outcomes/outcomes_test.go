package outcomes

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"hxat/internal/domain"
	"hxat/internal/infra/lti"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successResponse = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader><imsx_POXResponseHeaderInfo>
    <imsx_statusInfo><imsx_codeMajor>success</imsx_codeMajor><imsx_severity>status</imsx_severity></imsx_statusInfo>
  </imsx_POXResponseHeaderInfo></imsx_POXHeader>
</imsx_POXEnvelopeResponse>`

const failureResponse = `<imsx_POXEnvelopeResponse><imsx_POXHeader><imsx_POXResponseHeaderInfo>
<imsx_statusInfo><imsx_codeMajor>failure</imsx_codeMajor><imsx_description>unknown sourcedid</imsx_description></imsx_statusInfo>
</imsx_POXResponseHeaderInfo></imsx_POXHeader></imsx_POXEnvelopeResponse>`

func launchFor(serviceURL string) domain.LaunchRecord {
	return domain.LaunchRecord{
		ConsumerKey: "consumer",
		TenantID:    "courseA",
		PrincipalID: "user-1",
		Params: domain.Params{
			{Key: domain.ParamOutcomeServiceURL, Value: serviceURL},
			{Key: domain.ParamResultSourcedID, Value: "sourced-1"},
		},
	}
}

func newClient() *Client {
	return NewClient(lti.NewStaticSecrets(map[string]string{"courseA": "secret-a"}, "", ""), nil)
}

func TestSendGradePostsSignedReplaceResult(t *testing.T) {
	var body, auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body, auth, contentType = string(b), r.Header.Get("Authorization"), r.Header.Get("Content-Type")
		_, _ = io.WriteString(w, successResponse)
	}))
	defer srv.Close()

	err := newClient().SendGrade(context.Background(), launchFor(srv.URL+"/outcomes"), 1)
	require.NoError(t, err)

	assert.Equal(t, "application/xml", contentType)
	assert.Contains(t, body, "<sourcedId>sourced-1</sourcedId>")
	assert.Contains(t, body, "<textString>1</textString>")
	assert.Contains(t, body, "replaceResultRequest")
	require.True(t, strings.HasPrefix(auth, "OAuth "))
	sum := sha1.Sum([]byte(body))
	assert.Contains(t, auth, `oauth_body_hash="`+lti.Encode(base64.StdEncoding.EncodeToString(sum[:]))+`"`)
	assert.Contains(t, auth, `oauth_consumer_key="consumer"`)
	assert.Contains(t, auth, `oauth_signature="`)
}

func TestSendGradeSilentNoOps(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, successResponse)
	}))
	defer srv.Close()
	c := newClient()

	for _, score := range []float64{-0.1, 1.5} {
		require.NoError(t, c.SendGrade(context.Background(), launchFor(srv.URL), score))
	}
	require.NoError(t, c.SendGrade(context.Background(), domain.LaunchRecord{TenantID: "courseA"}, 1))
	assert.Zero(t, calls.Load())
}

func TestSendGradeFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, failureResponse)
	}))
	defer srv.Close()

	err := newClient().SendGrade(context.Background(), launchFor(srv.URL), 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutcomeRejected))
	assert.Contains(t, err.Error(), "unknown sourcedid")
}

func TestSendGradeUnknownConsumer(t *testing.T) {
	rec := launchFor("https://lms.example.com/outcomes")
	rec.TenantID = "courseZ"
	err := newClient().SendGrade(context.Background(), rec, 1)
	assert.ErrorIs(t, err, domain.ErrUnknownConsumer)
}

func TestReplaceResultBody(t *testing.T) {
	out, err := replaceResultBody("msg-1", "s&1", 0.25)
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, `xmlns="`+poxNamespace+`"`)
	assert.Contains(t, s, "<imsx_messageIdentifier>msg-1</imsx_messageIdentifier>")
	assert.Contains(t, s, "<sourcedId>s&amp;1</sourcedId>")
	assert.Contains(t, s, "<textString>0.25</textString>")
}
