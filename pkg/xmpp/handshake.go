package xmpp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
)

// handleOpen answers the stream-open frame. The client restarts negotiation
// after authentication, so the features advertised depend on whether this
// connection has already authenticated.
func (s *Server) handleOpen(sess *Session) error {
	if sess.streamID == "" {
		sess.streamID = uuid.NewString()
	}

	if err := s.send(sess, "open", buildOpen(s.config.Domain, sess.streamID)); err != nil {
		return err
	}

	authenticated := sess.stage >= StageAuthenticated
	return s.send(sess, "features", buildFeatures(authenticated))
}

// handleAuth processes the SASL PLAIN credential frame. The payload is the
// base64 of authzid NUL authcid NUL bearer-token; only the token matters.
func (s *Server) handleAuth(sess *Session, st *AuthStanza) error {
	if sess.AccountID != "" {
		// Already authenticated; the duplicate frame is ignored.
		return nil
	}

	if st.Payload == "" {
		return errors.New("auth payload missing")
	}

	decoded, err := base64.StdEncoding.DecodeString(st.Payload)
	if err != nil {
		return fmt.Errorf("auth payload not base64: %w", err)
	}

	parts := strings.Split(string(decoded), "\x00")
	if len(parts) != 3 {
		return fmt.Errorf("auth payload has %d parts, want 3", len(parts))
	}
	token := parts[2]

	sess.stage = StageAuthenticating

	accountID, err := s.tokens.Validate(token)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		return fmt.Errorf("token rejected: %w", err)
	}

	if s.clients.Has(accountID) {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		return ErrSessionExists
	}

	account, err := s.accounts.AccountByID(accountID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		return fmt.Errorf("account lookup failed: %w", err)
	}
	if account.Banned {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		return fmt.Errorf("account %s is banned", accountID)
	}

	sess.AccountID = account.AccountID
	sess.DisplayName = account.DisplayName
	sess.Token = token
	sess.stage = StageAuthenticated

	log.Printf("%s has authenticated", sess.DisplayName)

	return s.send(sess, "success", []byte(frameSASLSuccess))
}

// handleIQ processes resource binding, session establishment, and the
// generic result pass-through for any other iq id.
func (s *Server) handleIQ(sess *Session, st *IQStanza) error {
	if st.ID == "" {
		return nil
	}

	switch st.ID {
	case iqBindID:
		if sess.Resource != "" || sess.AccountID == "" || st.BindResource == "" {
			return nil
		}
		if s.clients.Has(sess.AccountID) {
			return ErrSessionExists
		}

		sess.Resource = st.BindResource
		sess.JID = fmt.Sprintf("%s@%s/%s", sess.AccountID, s.config.Domain, sess.Resource)
		sess.stage = StageResourceBound

		return s.send(sess, "iq", buildBindResult(sess.JID))

	case iqSessionID:
		if sess.stage != StageResourceBound {
			return errors.New("session establishment before resource bind")
		}
		if sess.AccountID == "" || sess.DisplayName == "" || sess.Token == "" || sess.JID == "" || sess.Resource == "" {
			return errors.New("session establishment with incomplete session")
		}

		// Registration enforces the single-live-session invariant inside
		// one critical section; a concurrent winner makes this fatal.
		if err := s.clients.Register(sess); err != nil {
			return err
		}
		sess.stage = StageEstablished

		if err := s.send(sess, "iq", buildIQResult(sess.JID, s.config.Domain, iqSessionID)); err != nil {
			return err
		}

		s.primeRoster(sess)
		return nil

	default:
		if sess.stage != StageEstablished {
			return errors.New("iq before session establishment")
		}
		return s.send(sess, "iq", buildIQResult(sess.JID, s.config.Domain, st.ID))
	}
}
