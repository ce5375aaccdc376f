package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/call"
)

// Session is one outbound SIP dialog from INVITE to BYE. It satisfies
// call.Session.
type Session struct {
	id     string
	client *Client
	logger *slog.Logger
	events call.SessionEvents

	inviteReq *sip.Request
	cancel    context.CancelFunc

	// answer holds the 2xx response once the dialog is confirmed.
	answer atomic.Pointer[sip.Response]

	// ended flips once, whether by local Terminate, remote BYE, rejection
	// or timeout. Events never fire after it is set.
	ended atomic.Bool
}

// Invite sends a session offer for number carrying the SDP offer and drives
// the dialog in the background. The returned Session is live immediately;
// transitions arrive through events after this returns.
func (c *Client) Invite(ctx context.Context, number string, offer []byte, events call.SessionEvents) (call.Session, error) {
	c.mu.Lock()
	client := c.client
	cfg := c.cfg
	transport := c.transport
	domain := c.domain
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("signaling transport not connected")
	}

	recipientStr := fmt.Sprintf("sip:%s@%s:%d", number, domain, cfg.ServerPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing destination uri: %w", err)
	}

	callID := uuid.NewString()

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(transport)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("From",
		fmt.Sprintf("<sip:%s@%s>;tag=%s", cfg.Username, domain, sip.GenerateTagN(16))))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<sip:%s@%s>", number, domain)))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	// The dialog outlives the PlaceCall that started it, so the response
	// loop runs on its own deadline rather than the caller's context.
	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)

	tx, err := client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	sess := &Session{
		id:        callID,
		client:    c,
		logger:    c.logger.With("call_id", callID, "number", number),
		events:    events,
		inviteReq: req,
		cancel:    cancel,
	}

	c.sessMu.Lock()
	c.sessions[callID] = sess
	c.sessMu.Unlock()

	go sess.responseLoop(dialCtx, client, tx, recipientStr, cfg)

	sess.logger.Debug("invite sent", "destination", recipientStr)
	return sess, nil
}

// ID returns the dialog's Call-ID.
func (s *Session) ID() string {
	return s.id
}

// responseLoop consumes responses for the INVITE transaction until a final
// response, a remote challenge retry, a timeout or a local Terminate.
func (s *Session) responseLoop(ctx context.Context, client *sipgo.Client, tx sip.ClientTransaction, recipientStr string, cfg call.DirectConfig) {
	defer tx.Terminate()

	authRetried := false
	req := s.inviteReq

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			s.logger.Warn("invite abandoned", "reason", ctx.Err())
			s.fireTerminated()
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				s.logger.Warn("invite transaction terminated", "error", err)
			}
			s.fireTerminated()
			return
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			s.logger.Debug("remote ringing", "status", res.StatusCode)
			continue

		case res.StatusCode == 401 || res.StatusCode == 407:
			if authRetried {
				s.logger.Error("invite re-challenged after auth", "status", res.StatusCode)
				s.fireTerminated()
				return
			}
			authRetried = true

			authReq, err := withDigestAuth(req, res, recipientStr, cfg.Username, cfg.Password)
			if err != nil {
				s.logger.Error("invite auth failed", "error", err)
				s.fireTerminated()
				return
			}

			tx.Terminate()
			newTx, err := client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				s.logger.Error("sending authenticated invite failed", "error", err)
				s.fireTerminated()
				return
			}
			req = authReq
			s.inviteReq = authReq
			tx = newTx
			continue

		case res.StatusCode >= 200 && res.StatusCode < 300:
			s.answer.Store(res)
			ack := buildACK(req, res)
			if err := client.WriteRequest(ack); err != nil {
				s.logger.Error("sending ack failed", "error", err)
				s.fireTerminated()
				return
			}
			s.logger.Info("session established", "status", res.StatusCode)
			if !s.ended.Load() && s.events.Established != nil {
				s.events.Established(res.Body())
			}
			// The confirmed dialog is no longer bounded by the dial
			// timeout; it ends via Terminate or a remote BYE.
			return

		default:
			s.logger.Info("invite rejected",
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			s.fireTerminated()
			return
		}
	}
}

// Terminate hangs up locally. A confirmed dialog gets a BYE; an unanswered
// invite is abandoned by cancelling its response loop. Idempotent, and it
// never fires Terminated back at the owner.
func (s *Session) Terminate(ctx context.Context) {
	if s.ended.Swap(true) {
		return
	}
	s.cancel()
	s.client.dropSession(s.id)

	res := s.answer.Load()
	if res == nil {
		s.logger.Debug("unanswered invite cancelled")
		return
	}

	c := s.client
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	bye := buildBYE(s.inviteReq, res)
	tx, err := client.TransactionRequest(ctx, bye)
	if err != nil {
		s.logger.Warn("sending bye failed", "error", err)
		return
	}
	defer tx.Terminate()

	if byeRes, err := getResponse(ctx, tx); err != nil {
		s.logger.Warn("no bye response", "error", err)
	} else if byeRes.StatusCode != 200 {
		s.logger.Warn("bye rejected", "status", byeRes.StatusCode)
	}
	s.logger.Info("session terminated")
}

// remoteBye marks the dialog ended by the far side and tells the owner.
func (s *Session) remoteBye() {
	s.cancel()
	s.client.dropSession(s.id)
	if s.ended.Swap(true) {
		return
	}
	s.logger.Info("remote hangup")
	if s.events.Terminated != nil {
		s.events.Terminated()
	}
}

// abandon drops the session without signaling, used when the whole client
// shuts down.
func (s *Session) abandon() {
	s.ended.Store(true)
	s.cancel()
}

// fireTerminated reports an involuntary end exactly once.
func (s *Session) fireTerminated() {
	s.client.dropSession(s.id)
	if s.ended.Swap(true) {
		return
	}
	if s.events.Terminated != nil {
		s.events.Terminated()
	}
}

func (c *Client) dropSession(id string) {
	c.sessMu.Lock()
	delete(c.sessions, id)
	c.sessMu.Unlock()
}

// buildACK creates the ACK for a 2xx response to an INVITE. The ACK for a
// 2xx is generated by the UAC core, not the transaction layer; the
// Request-URI comes from the response Contact when present.
func buildACK(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response carries the remote tag.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	return ack
}

// buildBYE creates the in-dialog BYE for a confirmed outbound call. The
// request targets the Contact learned from the 2xx, routes along reversed
// Record-Route entries and reuses the INVITE's identity headers.
func buildBYE(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := inviteReq.Recipient.Clone()
	if contact := inviteRes.Contact(); contact != nil {
		recipient = contact.Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, *recipient)
	bye.SipVersion = inviteReq.SipVersion

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	recordRoutes := inviteRes.GetHeaders("Record-Route")
	for i := len(recordRoutes) - 1; i >= 0; i-- {
		if rr, ok := recordRoutes[i].(*sip.RecordRouteHeader); ok {
			bye.AppendHeader(&sip.RouteHeader{Address: *rr.Address.Clone()})
		}
	}

	if h := inviteReq.Contact(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response carries the remote tag.
	if h := inviteRes.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	} else if h := inviteReq.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := inviteReq.CSeq(); cseq != nil {
		// +2 because the ACK consumed +1.
		bye.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo + 2,
			MethodName: sip.BYE,
		})
	}

	bye.SetTransport(inviteReq.Transport())

	if contact := inviteRes.Contact(); contact != nil {
		port := contact.Address.Port
		if port == 0 {
			port = 5060
		}
		bye.SetDestination(fmt.Sprintf("%s:%d", contact.Address.Host, port))
	} else {
		bye.SetDestination(inviteReq.Destination())
	}

	return bye
}
