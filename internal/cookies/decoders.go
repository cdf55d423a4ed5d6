package cookies

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// A decoder attempts to extract an access token from one raw cookie value.
// Decoders run in a fixed order and the first success wins, which keeps the
// multi-strategy parsing testable per strategy.
type decoder struct {
	name string
	fn   func(value string) (token string, ok bool)
}

var decoders = []decoder{
	{"jwt", decodeJWT},
	{"base64", decodeBase64Session},
	{"json", decodeJSONSession},
}

// Decode runs the decoder chain over a raw cookie value. The returned name
// identifies which strategy produced the token.
func Decode(value string) (token, decoderName string, ok bool) {
	for _, d := range decoders {
		if tok, ok := d.fn(value); ok {
			return tok, d.name, true
		}
	}
	return "", "", false
}

var jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

// decodeJWT extracts a JWT embedded anywhere in the value. The parse is
// structural only; signature verification is the backend's job.
func decodeJWT(value string) (string, bool) {
	m := jwtPattern.FindString(value)
	if m == "" {
		return "", false
	}
	if _, _, err := jwt.NewParser().ParseUnverified(m, jwt.MapClaims{}); err != nil {
		return "", false
	}
	return m, true
}

const base64Prefix = "base64-"

// sessionPayload is the session JSON the auth provider stores in cookies.
// The access token has moved between fields across provider versions.
type sessionPayload struct {
	AccessToken    string `json:"access_token"`
	Token          string `json:"token"`
	CurrentSession *struct {
		AccessToken string `json:"access_token"`
	} `json:"currentSession"`
}

func (p sessionPayload) token() string {
	if p.AccessToken != "" {
		return p.AccessToken
	}
	if p.Token != "" {
		return p.Token
	}
	if p.CurrentSession != nil {
		return p.CurrentSession.AccessToken
	}
	return ""
}

func decodeBase64Session(value string) (string, bool) {
	if !strings.HasPrefix(value, base64Prefix) {
		return "", false
	}
	raw := strings.TrimPrefix(value, base64Prefix)
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// The browser strips padding on some values.
		decoded, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return "", false
		}
	}
	return tokenFromJSON(decoded)
}

func decodeJSONSession(value string) (string, bool) {
	return tokenFromJSON([]byte(value))
}

func tokenFromJSON(data []byte) (string, bool) {
	var payload sessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false
	}
	if tok := payload.token(); tok != "" {
		return tok, true
	}
	return "", false
}
