package mktdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Authentication modes accepted on the command line.
const (
	AuthModeNone        = "NONE"
	AuthModeLogon       = "LOGON"
	AuthModeApplication = "APPLICATION"
	AuthModeDirSvc      = "DIRSVC"
	AuthModeUserApp     = "USER_APP"
)

const (
	authUser          = "AuthenticationType=OS_LOGON"
	authAppPrefix     = "AuthenticationMode=APPLICATION_ONLY;ApplicationAuthenticationType=APPNAME_AND_KEY;ApplicationName="
	authUserAppPrefix = "AuthenticationMode=USER_AND_APPLICATION;AuthenticationType=OS_LOGON;ApplicationAuthenticationType=APPNAME_AND_KEY;ApplicationName="
	authDirPrefix     = "AuthenticationType=DIRECTORY_SERVICE;DirSvcPropertyName="
)

// AuthOptions builds the session authentication-options string for a mode.
// APPLICATION, DIRSVC and USER_APP need a name.
func AuthOptions(mode, name string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "", AuthModeNone:
		return "", nil
	case AuthModeLogon:
		return authUser, nil
	case AuthModeApplication:
		if name == "" {
			return "", fmt.Errorf("%s: %w", AuthModeApplication, ErrMissingAuthName)
		}
		return authAppPrefix + name, nil
	case AuthModeDirSvc:
		if name == "" {
			return "", fmt.Errorf("%s: %w", AuthModeDirSvc, ErrMissingAuthName)
		}
		return authDirPrefix + name, nil
	case AuthModeUserApp:
		if name == "" {
			return "", fmt.Errorf("%s: %w", AuthModeUserApp, ErrMissingAuthName)
		}
		return authUserAppPrefix + name, nil
	default:
		return "", fmt.Errorf("%q: %w", mode, ErrUnknownAuthMode)
	}
}

// AuthState is a position in the token/authorization handshake.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthTokenRequested
	AuthTokenReceived
	AuthAuthorizationRequested
	AuthAuthorized
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "IDLE"
	case AuthTokenRequested:
		return "TOKEN_REQUESTED"
	case AuthTokenReceived:
		return "TOKEN_RECEIVED"
	case AuthAuthorizationRequested:
		return "AUTHORIZATION_REQUESTED"
	case AuthAuthorized:
		return "AUTHORIZED"
	case AuthFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

const defaultAuthTimeout = 10 * time.Second

// Authenticator exchanges the session's credentials for a token and the
// token for an Identity. Both exchanges run on dedicated event queues.
// A failed handshake is never resumed; Authorize starts over from IDLE.
type Authenticator struct {
	session     *Session
	authService string
	timeout     time.Duration
	logger      zerolog.Logger
	state       AuthState
}

func NewAuthenticator(session *Session, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		session:     session,
		authService: ServiceAuth,
		timeout:     defaultAuthTimeout,
		logger:      logger.With().Str("component", "authenticator").Logger(),
	}
}

// WithService overrides the authorization service name.
func (a *Authenticator) WithService(name string) *Authenticator {
	a.authService = name
	return a
}

// WithTimeout bounds each wait for a token or authorization event.
func (a *Authenticator) WithTimeout(d time.Duration) *Authenticator {
	a.timeout = d
	return a
}

func (a *Authenticator) State() AuthState {
	return a.state
}

func (a *Authenticator) transition(next AuthState) {
	a.logger.Debug().Str("from", a.state.String()).Str("to", next.String()).Msg("auth state")
	a.state = next
}

func (a *Authenticator) fail(reason string, err error) error {
	stage := a.state
	a.transition(AuthFailed)
	a.session.metrics.authOutcome(false)
	return &AuthenticationError{Stage: stage, Reason: reason, Err: err}
}

// Authorize runs the full handshake and returns the authorized Identity.
func (a *Authenticator) Authorize(ctx context.Context) (*Identity, error) {
	a.state = AuthIdle

	token, err := a.requestToken(ctx)
	if err != nil {
		return nil, err
	}
	a.transition(AuthTokenReceived)

	svc, err := a.session.OpenService(ctx, a.authService)
	if err != nil {
		return nil, a.fail("open authorization service", err)
	}

	req := svc.CreateAuthorizationRequest()
	if err := req.Set("token", token); err != nil {
		return nil, a.fail("build authorization request", err)
	}

	queue := a.session.NewEventQueue()
	defer queue.Close()

	cid, err := a.session.SendRequest(req, nil, 0, queue)
	if err != nil {
		return nil, a.fail("send authorization request", err)
	}
	a.transition(AuthAuthorizationRequested)

	for {
		ev, err := queue.NextEvent(ctx, a.timeout)
		if err != nil {
			return nil, a.fail("wait for authorization", err)
		}

		switch ev.Type {
		case EventTimeout:
			return nil, a.fail("timed out waiting for authorization", nil)
		case EventSessionStatus:
			if ev.IsTerminal() {
				return nil, a.fail("session terminated during authorization", ErrSessionStopped)
			}
			continue
		}

		msg, authorized, decided := authorizationOutcome(ev)
		if !decided {
			continue
		}
		if !authorized {
			category, description := msg.Reason()
			return nil, a.fail(strings.TrimSpace(msg.Type+" "+category+" "+description), nil)
		}

		a.transition(AuthAuthorized)
		a.session.metrics.authOutcome(true)
		a.session.retainIdentity(cid, queue)
		identity := newIdentity(cid, msg.Body)
		a.logger.Info().Ints("eids", identity.Entitlements()).Msg("authorized")
		return identity, nil
	}
}

func (a *Authenticator) requestToken(ctx context.Context) (string, error) {
	queue := a.session.NewEventQueue()
	defer queue.Close()

	if _, err := a.session.GenerateToken(0, queue); err != nil {
		return "", a.fail("generate token", err)
	}
	a.transition(AuthTokenRequested)

	for {
		ev, err := queue.NextEvent(ctx, a.timeout)
		if err != nil {
			return "", a.fail("wait for token", err)
		}

		switch ev.Type {
		case EventTimeout:
			return "", a.fail("timed out waiting for token", nil)
		case EventSessionStatus:
			if ev.IsTerminal() {
				return "", a.fail("session terminated during token generation", ErrSessionStopped)
			}
			continue
		case EventRequestStatus:
			if ev.HasMessage(MessageRequestFailure) {
				category, description := ev.Messages[0].Reason()
				return "", a.fail(strings.TrimSpace("token request failure "+category+" "+description), nil)
			}
			continue
		case EventTokenStatus:
		default:
			continue
		}

		token, failure, ok := tokenFromEvent(ev)
		if failure != nil {
			category, description := failure.Reason()
			return "", a.fail(strings.TrimSpace("token generation failure "+category+" "+description), nil)
		}
		if !ok {
			return "", a.fail("no token in token status", nil)
		}
		return token, nil
	}
}

// tokenFromEvent scans a token-status event. The first failure message wins
// and stops the scan; otherwise a success message yields the token.
func tokenFromEvent(ev Event) (token string, failure *Message, ok bool) {
	for i := range ev.Messages {
		msg := ev.Messages[i]
		switch msg.Type {
		case MessageTokenGenerationSuccess:
			token = msg.Body.GetString("token")
			if token != "" {
				return token, nil, true
			}
		case MessageTokenGenerationFailure:
			return "", &msg, false
		}
	}
	return "", nil, false
}

// authorizationOutcome decides on the first message of a response-class
// event: AuthorizationSuccess authorizes, any other type fails. Later
// messages of the same event are not inspected.
func authorizationOutcome(ev Event) (msg Message, authorized, decided bool) {
	switch ev.Type {
	case EventResponse, EventPartialResponse, EventRequestStatus:
	default:
		return Message{}, false, false
	}
	if len(ev.Messages) == 0 {
		return Message{}, false, false
	}
	msg = ev.Messages[0]
	return msg, msg.Type == MessageAuthorizationSuccess, true
}
