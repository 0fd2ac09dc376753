package intake

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/errs"
	"github.com/papertrade/engine/pkg/types"
)

// SubmitRequest is the wire form of an order submission.
type SubmitRequest struct {
	UserID uuid.UUID          `json:"user_id"`
	Order  types.OrderRequest `json:"order"`
}

// CancelRequest is the wire form of a cancellation.
type CancelRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	OrderID uuid.UUID `json:"order_id"`
}

// Reply is the wire form of an intake response.
type Reply struct {
	Result *types.SubmitResult `json:"result,omitempty"`
	Error  *ReplyError         `json:"error,omitempty"`
}

// ReplyError carries the error taxonomy over the wire.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server answers order submit/cancel request-reply traffic.
type Server struct {
	svc    *Service
	logger *logrus.Entry

	subs []*nats.Subscription
}

// NewServer wraps the intake service with its bus endpoints.
func NewServer(svc *Service) *Server {
	return &Server{
		svc:    svc,
		logger: logrus.WithField("component", "intake-server"),
	}
}

// Start subscribes both endpoints.
func (s *Server) Start(ctx context.Context, busClient *bus.Client) error {
	submitSub, err := busClient.ServeRequests(bus.OrderSubmitSubject, func(data []byte) []byte {
		return s.handleSubmit(ctx, data)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, submitSub)

	cancelSub, err := busClient.ServeRequests(bus.OrderCancelSubject, func(data []byte) []byte {
		return s.handleCancel(ctx, data)
	})
	if err != nil {
		s.Stop()
		return err
	}
	s.subs = append(s.subs, cancelSub)
	return nil
}

// Stop detaches the endpoints.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Errorf("Unsubscribe failed: %v", err)
		}
	}
	s.subs = nil
}

func (s *Server) handleSubmit(ctx context.Context, data []byte) []byte {
	var req SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalReply(nil, errs.New(errs.KindValidation, "malformed submit request"))
	}
	result, err := s.svc.SubmitOrder(ctx, req.UserID, &req.Order)
	return marshalReply(result, err)
}

func (s *Server) handleCancel(ctx context.Context, data []byte) []byte {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalReply(nil, errs.New(errs.KindValidation, "malformed cancel request"))
	}
	result, err := s.svc.CancelOrder(ctx, req.UserID, req.OrderID)
	return marshalReply(result, err)
}

func marshalReply(result *types.SubmitResult, err error) []byte {
	reply := &Reply{Result: result}
	if err != nil {
		reply.Error = &ReplyError{
			Code:    string(errs.KindOf(err)),
			Message: errs.UserMessage(err),
		}
	}
	data, mErr := json.Marshal(reply)
	if mErr != nil {
		return []byte(`{"error":{"code":"SYSTEM_ERROR","message":"reply encoding failed"}}`)
	}
	return data
}
