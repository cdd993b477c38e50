package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"lifeline/internal/notify"
	"lifeline/internal/store"
	"lifeline/internal/types"
)

// defaultChannels is used when a request does not name delivery channels.
var defaultChannels = []types.Channel{types.ChannelPush, types.ChannelSMS}

type sosContact struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone" validate:"required"`
}

type sosNotificationRequest struct {
	SOSID            string            `json:"sos_id" validate:"required"`
	UserID           string            `json:"user_id" validate:"required"`
	Location         *notify.Location  `json:"location"`
	EmergencyContact sosContact        `json:"emergency_contact"`
	CallNumber       string            `json:"call_number"`
	MessageTemplate  string            `json:"message_template"`
	Variables        map[string]string `json:"variables"`
	Channels         []types.Channel   `json:"channels"`
	NotificationType string            `json:"notification_type"`
	Locale           string            `json:"locale"`
}

type createResponse struct {
	NotificationID    string `json:"notification_id"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// HandleSendSOS accepts an SOS notification request, renders the message text
// and hands it to the publisher. 202 means durably queued; 200 means the
// broker was down and the message was delivered directly.
func (s *Server) HandleSendSOS(w http.ResponseWriter, r *http.Request) {
	var req sosNotificationRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if err := s.validate.Struct(req); err != nil {
		Error(w, r, mapValidationError(err))
		return
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = defaultChannels
	}
	for _, c := range channels {
		if !c.Valid() {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidChannel,
				"unsupported channel: "+string(c), types.ErrInvalidChannel))
			return
		}
	}

	notificationType := req.NotificationType
	if notificationType == "" {
		notificationType = "sos"
	}

	tmpl, ok := s.templates.Resolve(req.MessageTemplate, notificationType, types.ChannelSMS, req.Locale)
	if !ok {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingTemplate,
			"missing message template", nil))
		return
	}
	body := notify.Render(tmpl, req.Variables)
	body = notify.AppendLocation(body, req.Location)

	recipients, err := s.buildRecipients(&req, channels)
	if err != nil {
		Error(w, r, err)
		return
	}

	msg := &types.NotificationMessage{
		SubjectID:  req.SOSID,
		Recipients: recipients,
		Body:       body,
	}

	outcome := s.publisher.Publish(r.Context(), msg)
	switch outcome.State {
	case types.PublishEnqueued:
		JSON(w, r, http.StatusAccepted, createResponse{
			NotificationID: msg.MessageID,
			Status:         string(store.StatusQueued),
		})
	case types.PublishDispatched:
		resp := createResponse{
			NotificationID: msg.MessageID,
			Status:         string(store.StatusDelivered),
		}
		if outcome.Delivery != nil {
			resp.ProviderMessageID = outcome.Delivery.ProviderMessageID
		}
		JSON(w, r, http.StatusOK, resp)
	default:
		Error(w, r, outcome.Err)
	}
}

// buildRecipients maps each requested channel to its address: the emergency
// contact's phone for sms, the user's device identity for push, and the
// explicit call number for call.
func (s *Server) buildRecipients(req *sosNotificationRequest, channels []types.Channel) ([]types.Recipient, *types.AppError) {
	recipients := make([]types.Recipient, 0, len(channels))
	for _, c := range channels {
		switch c {
		case types.ChannelSMS:
			recipients = append(recipients, types.Recipient{Channel: c, Address: req.EmergencyContact.Phone})
		case types.ChannelPush:
			recipients = append(recipients, types.Recipient{Channel: c, Address: req.UserID})
		case types.ChannelCall:
			if req.CallNumber == "" {
				return nil, types.NewAppError(types.ErrCodeValidationMissingField,
					"call_number is required when the call channel is requested", nil)
			}
			recipients = append(recipients, types.Recipient{Channel: c, Address: req.CallNumber})
		}
	}
	return recipients, nil
}

// HandleGetNotification returns the delivery record for a message ID.
func (s *Server) HandleGetNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notificationID")

	rec, err := s.deliveries.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, r, types.NewAppError(types.ErrCodeNotFoundNotification,
				"no notification with id "+id, err))
			return
		}
		Error(w, r, types.NewAppError(types.ErrCodeInternalStore,
			"failed to load notification", err))
		return
	}

	JSON(w, r, http.StatusOK, rec)
}

// mapValidationError turns a validator error into a client-safe AppError
// naming the offending fields.
func mapValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid request", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return types.NewAppError(types.ErrCodeValidationMissingField,
		"missing or invalid fields: "+strings.Join(fields, ", "), err)
}
