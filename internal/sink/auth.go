package sink

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

// errBadCredentials is returned for a wrong username or password.
var errBadCredentials = errors.New("authentication failed")

// Authenticator accepts SMTP AUTH for one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator returns an Authenticator for the given account. With
// both fields empty, AUTH is not offered.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether an account is configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Mechanisms lists the SASL mechanisms advertised in the EHLO reply.
func (a *Authenticator) Mechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// NewServer starts the server side of one exchange for mech, matched
// case-insensitively. It reports false for a mechanism that is not offered.
// The PLAIN authorization identity is ignored.
func (a *Authenticator) NewServer(mech string) (sasl.Server, bool) {
	switch strings.ToUpper(mech) {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			return a.verify(username, password)
		}), true
	case sasl.Login:
		return sasl.NewLoginServer(a.verify), true
	default:
		return nil, false
	}
}

func (a *Authenticator) verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password))
	if userOK&passOK != 1 {
		return errBadCredentials
	}
	return nil
}
