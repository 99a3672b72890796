package smtp

import (
	"errors"

	"github.com/emersion/go-sasl"
)

// Mechanism names accepted by NewSASLClient.
const (
	MechLogin = "LOGIN"
	MechPlain = "PLAIN"
)

// ErrUnexpectedChallenge is returned when the server asks for more steps
// than the mechanism has.
var ErrUnexpectedChallenge = errors.New("smtp: unexpected server challenge")

// loginClient implements the LOGIN mechanism: the server prompts twice and
// the client answers with the username and then the password.
type loginClient struct {
	username, password string
	step               int
}

// NewLoginClient returns a sasl.Client for AUTH LOGIN.
func NewLoginClient(username, password string) sasl.Client {
	return &loginClient{username: username, password: password}
}

func (a *loginClient) Start() (string, []byte, error) {
	return MechLogin, nil, nil
}

func (a *loginClient) Next(challenge []byte) ([]byte, error) {
	a.step++
	switch a.step {
	case 1:
		return []byte(a.username), nil
	case 2:
		return []byte(a.password), nil
	default:
		return nil, ErrUnexpectedChallenge
	}
}

// NewSASLClient returns the client for mech, defaulting to LOGIN.
func NewSASLClient(mech, username, password string) sasl.Client {
	if mech == MechPlain {
		return sasl.NewPlainClient("", username, password)
	}
	return NewLoginClient(username, password)
}
