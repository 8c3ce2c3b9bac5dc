package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
	"github.com/bissquit/notify-relay/internal/pkg/httputil"
	"github.com/bissquit/notify-relay/internal/qrcode"
)

// MaxMessageBytes limits the body of a send request.
const MaxMessageBytes = 16 << 10

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrChannelNotFound, Status: http.StatusNotFound, Message: "channel not found"},
	{Error: ErrSubscriptionConflict, Status: http.StatusConflict, Message: "subscription id already used with a different endpoint"},
}

// Handler handles HTTP requests for channels, subscriptions and messages.
type Handler struct {
	service    *Service
	dispatcher *Dispatcher
	links      Links
	pubKey     string
	validator  *validator.Validate
}

// NewHandler creates a new relay handler. pubKey is the VAPID public key handed
// to browsers when they subscribe.
func NewHandler(service *Service, dispatcher *Dispatcher, links Links, pubKey string) *Handler {
	return &Handler{
		service:    service,
		dispatcher: dispatcher,
		links:      links,
		pubKey:     pubKey,
		validator:  newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RegisterLimitedRoutes registers routes that touch the store. The caller wraps
// them with admission control.
func (h *Handler) RegisterLimitedRoutes(r chi.Router) {
	r.Post("/api/register_channel", h.RegisterChannel)
	// used by the command line client
	r.Post("/register_channel", h.RegisterChannel)

	r.Get("/{channelId}/json", h.Info)
	r.Post("/{channelId}/subscribe", h.Subscribe)
	r.Post("/{channelId}", h.Send)
}

// RegisterPublicRoutes registers routes that never touch the store.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/undefined", h.Undefined)
	r.Post("/undefined", h.Undefined)
	r.Get("/service-worker.js", h.MovedServiceWorker)

	r.Get("/{channelId}/qr.svg", h.QRCode)
	r.Get("/{channelId}", h.Redirect)
}

// ChannelResponse describes a channel and the URLs clients need to use it.
type ChannelResponse struct {
	ChannelID   string            `json:"channelId"`
	PubKey      string            `json:"pubKey"`
	Endpoint    string            `json:"endpoint"`
	ChannelPage string            `json:"channelPage"`
	Time        string            `json:"time"`
	Messages    []MessageResponse `json:"messages"`
}

// MessageResponse is one entry of a channel's message history.
type MessageResponse struct {
	Message string                  `json:"message"`
	Time    time.Time               `json:"time"`
	Result  []domain.DeliveryResult `json:"result"`
}

// SubscribeKeys are the browser generated keys of a push subscription.
type SubscribeKeys struct {
	Auth   string `json:"auth" validate:"required"`
	P256dh string `json:"p256dh" validate:"required"`
}

// SubscribeTarget is a browser PushSubscription as serialized by toJSON().
type SubscribeTarget struct {
	Endpoint string        `json:"endpoint" validate:"required,url"`
	Keys     SubscribeKeys `json:"keys"`
}

// SubscribeRequest represents the request body for subscribing a device.
type SubscribeRequest struct {
	ID           string          `json:"id" validate:"required,max=255"`
	Subscription SubscribeTarget `json:"subscription"`
}

// ToDomain converts the request to a domain model.
func (r *SubscribeRequest) ToDomain(channelID string) domain.Subscription {
	return domain.Subscription{
		ID:        r.ID,
		ChannelID: channelID,
		Endpoint:  r.Subscription.Endpoint,
		Auth:      r.Subscription.Keys.Auth,
		P256dh:    r.Subscription.Keys.P256dh,
	}
}

func (h *Handler) channelResponse(channelID string) ChannelResponse {
	return ChannelResponse{
		ChannelID:   channelID,
		PubKey:      h.pubKey,
		Endpoint:    h.links.Endpoint(channelID),
		ChannelPage: h.links.ChannelPage(channelID),
		Messages:    []MessageResponse{},
	}
}

// RegisterChannel handles POST /api/register_channel request.
func (h *Handler) RegisterChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := h.service.RegisterChannel(r.Context(), r.UserAgent(), clientIP(r))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, h.channelResponse(channel.ID))
}

// Info handles GET /{channelId}/json request.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	ctx := ctxlog.With(r.Context(), "channel_id", channelID)

	info, err := h.service.ChannelInfo(ctx, channelID)
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	resp := h.channelResponse(channelID)
	for _, m := range info.Messages {
		results := m.Results
		if results == nil {
			results = []domain.DeliveryResult{}
		}
		resp.Messages = append(resp.Messages, MessageResponse{
			Message: m.Text,
			Time:    m.MessageTime,
			Result:  results,
		})
	}

	httputil.JSON(w, http.StatusOK, resp)
}

// Subscribe handles POST /{channelId}/subscribe request.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ctx := ctxlog.With(r.Context(), "channel_id", channelID, "subscription_id", req.ID)
	if err := h.service.Subscribe(ctx, req.ToDomain(channelID)); err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, struct{}{})
}

// Send handles POST /{channelId} request. The body is the message text, or a
// form with "message" and an optional "action" URL.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	ctx := ctxlog.With(r.Context(), "channel_id", channelID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "failed to read message")
		return
	}

	// stores reject NUL in text columns
	if !utf8.Valid(body) || bytes.IndexByte(body, 0) >= 0 {
		httputil.Error(w, http.StatusBadRequest, "message must be UTF-8 text without NUL bytes")
		return
	}

	msg, err := h.dispatcher.Send(ctx, channelID, string(body), clientIP(r))
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	ctxlog.FromContext(ctx).Debug("message recorded", "message_id", msg.ID, "results", len(msg.Results))
	httputil.Text(w, http.StatusOK, "ok")
}

// QRCode handles GET /{channelId}/qr.svg request.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	img, err := qrcode.SVG(h.links.ChannelPage(channelID), qrcode.DefaultMinSize)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// Redirect handles GET /{channelId} request by sending browsers to the channel page.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if !looksLikeChannelID(channelID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	http.Redirect(w, r, h.links.ChannelPage(channelID), http.StatusFound)
}

// Undefined answers clients that lost their channel id and hit /undefined.
func (h *Handler) Undefined(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusNotFound, "No such channel.")
}

// MovedServiceWorker redirects installs of the service worker from its old location.
func (h *Handler) MovedServiceWorker(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.links.Static("service-worker.js"), http.StatusMovedPermanently)
}

func looksLikeChannelID(id string) bool {
	if len(id) <= 6 {
		return false
	}
	for _, c := range id {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// clientIP returns the host part of RemoteAddr, which chi's RealIP middleware
// has already replaced with the proxy supplied address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
