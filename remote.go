package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://chat.classroomx.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// RemoteService
// ============================================================================

// RemoteService is the DataService of a hosted ClassroomX backend: a JSON
// REST surface for reads and writes, plus one realtime websocket (see
// Gateway) for events and presence.
type RemoteService struct {
	token      string
	baseURL    string
	httpClient *http.Client
	realtime   RealtimeConfig
	log        zerolog.Logger

	gwMu sync.Mutex
	gw   *Gateway
}

type RemoteOption func(*RemoteService)

func WithBaseURL(u string) RemoteOption {
	return func(s *RemoteService) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) RemoteOption {
	return func(s *RemoteService) { s.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(s *RemoteService) { s.httpClient = client }
}

func WithLogger(log zerolog.Logger) RemoteOption {
	return func(s *RemoteService) { s.log = log }
}

// WithRealtime overrides the gateway connection settings.
func WithRealtime(cfg RealtimeConfig) RemoteOption {
	return func(s *RemoteService) { s.realtime = cfg }
}

// NewRemoteService creates a client for the backend. token may be empty for
// unauthenticated deployments.
func NewRemoteService(token string, opts ...RemoteOption) *RemoteService {
	s := &RemoteService{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		realtime: RealtimeConfig{AutoReconnect: true},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "remote-service").Logger()
	return s
}

// Close drops the realtime connection.
func (s *RemoteService) Close() error {
	s.gwMu.Lock()
	gw := s.gw
	s.gw = nil
	s.gwMu.Unlock()
	if gw != nil {
		return gw.Close()
	}
	return nil
}

// Gateway returns the realtime connection, dialing it on first use.
func (s *RemoteService) Gateway(ctx context.Context) (*Gateway, error) {
	s.gwMu.Lock()
	if s.gw == nil {
		// The websocket must outlive the per-request timeout.
		wsClient := *s.httpClient
		wsClient.Timeout = 0
		s.gw = NewGateway(s.baseURL, s.token, &wsClient, s.realtime, s.log)
	}
	gw := s.gw
	s.gwMu.Unlock()

	if err := gw.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return gw, nil
}

// Health checks that the backend answers.
func (s *RemoteService) Health(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodGet, "/api/health", nil)
	return err
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (s *RemoteService) doRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(req)
}

func (s *RemoteService) send(req *http.Request) ([]byte, int, error) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

// decodeResult unwraps the {ok,data,error} envelope into T.
func decodeResult[T any](data []byte, status int) (*T, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %w", status, err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request failed with status %d", status)
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

func call[T any](ctx context.Context, s *RemoteService, method, path string, body any) (*T, error) {
	data, status, err := s.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return decodeResult[T](data, status)
}

func esc(id string) string { return url.PathEscape(id) }

// ============================================================================
// DataService
// ============================================================================

func (s *RemoteService) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return call[Conversation](ctx, s, http.MethodGet, "/api/conversations/"+esc(id), nil)
}

func (s *RemoteService) ListMembers(ctx context.Context, conversationID string) ([]Member, error) {
	out, err := call[[]Member](ctx, s, http.MethodGet, "/api/conversations/"+esc(conversationID)+"/members", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *RemoteService) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	out, err := call[[]Message](ctx, s, http.MethodGet, "/api/conversations/"+esc(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *RemoteService) GetMessage(ctx context.Context, id string) (*Message, error) {
	return call[Message](ctx, s, http.MethodGet, "/api/messages/"+esc(id), nil)
}

func (s *RemoteService) CreateMessage(ctx context.Context, req CreateMessageRequest) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodPost, "/api/conversations/"+esc(req.ConversationID)+"/messages", req)
	return err
}

func (s *RemoteService) CreateSystemMessage(ctx context.Context, conversationID, text string) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodPost, "/api/conversations/"+esc(conversationID)+"/system-messages",
		map[string]string{"text": text})
	return err
}

func (s *RemoteService) MarkRead(ctx context.Context, conversationID, participantID string) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodPost, "/api/conversations/"+esc(conversationID)+"/read",
		map[string]string{"participantId": participantID})
	return err
}

// UploadMedia posts the file as multipart form data and returns its
// permanent URL.
func (s *RemoteService) UploadMedia(ctx context.Context, file MediaFile) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	h.Set("Content-Type", file.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/media", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	data, status, err := s.send(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	out, err := decodeResult[struct {
		URL string `json:"url"`
	}](data, status)
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (s *RemoteService) AddReaction(ctx context.Context, messageID, participantID, emoji string) (*Reaction, error) {
	return call[Reaction](ctx, s, http.MethodPost, "/api/messages/"+esc(messageID)+"/reactions",
		map[string]string{"participantId": participantID, "emoji": emoji})
}

func (s *RemoteService) ListReceipts(ctx context.Context, messageID string) ([]Receipt, error) {
	out, err := call[[]Receipt](ctx, s, http.MethodGet, "/api/messages/"+esc(messageID)+"/receipts", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *RemoteService) ListConversations(ctx context.Context, participantID string) ([]ConversationSummary, error) {
	out, err := call[[]ConversationSummary](ctx, s, http.MethodGet, "/api/participants/"+esc(participantID)+"/conversations", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *RemoteService) FindBroadcast(ctx context.Context) (*Conversation, error) {
	return call[Conversation](ctx, s, http.MethodGet, "/api/conversations/broadcast", nil)
}

func (s *RemoteService) CreateConversation(ctx context.Context, kind ConversationKind, name string, memberIDs []string) (*Conversation, error) {
	return call[Conversation](ctx, s, http.MethodPost, "/api/conversations", map[string]any{
		"kind":      kind,
		"name":      name,
		"memberIds": memberIDs,
	})
}

func (s *RemoteService) RenameConversation(ctx context.Context, conversationID, name string) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodPatch, "/api/conversations/"+esc(conversationID),
		map[string]string{"name": name})
	return err
}

func (s *RemoteService) SetNickname(ctx context.Context, conversationID, participantID, nickname string) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodPatch,
		"/api/conversations/"+esc(conversationID)+"/members/"+esc(participantID),
		map[string]string{"nickname": nickname})
	return err
}

func (s *RemoteService) LeaveConversation(ctx context.Context, conversationID, participantID string) error {
	_, err := call[json.RawMessage](ctx, s, http.MethodDelete,
		"/api/conversations/"+esc(conversationID)+"/members/"+esc(participantID), nil)
	return err
}

func (s *RemoteService) SubscribeMessages(ctx context.Context, conversationID string) (Subscription[MessageEvent], error) {
	gw, err := s.Gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.SubscribeMessages(ctx, conversationID)
}

func (s *RemoteService) SubscribeReactions(ctx context.Context, conversationID string) (Subscription[ReactionEvent], error) {
	gw, err := s.Gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.SubscribeReactions(ctx, conversationID)
}

func (s *RemoteService) JoinPresence(ctx context.Context, conversationID string, self Profile) (PresenceChannel, error) {
	gw, err := s.Gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.JoinPresence(ctx, conversationID, self)
}
