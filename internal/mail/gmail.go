package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TokenProvider resolves a stored OAuth token for an account.
type TokenProvider interface {
	Token(ctx context.Context, email string) (*oauth2.Token, error)
}

// DirTokenProvider reads tokens from <dir>/<email>.json.
type DirTokenProvider struct {
	Dir string
}

func (p DirTokenProvider) Token(_ context.Context, email string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(filepath.Join(p.Dir, email+".json"))
	if err != nil {
		return nil, fmt.Errorf("read token for %s: %w", email, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse token for %s: %w", email, err)
	}
	return &tok, nil
}

// GmailService builds per-account Gmail clients.
type GmailService struct {
	clientID     string
	clientSecret string
	tokens       TokenProvider
}

func NewGmailService(clientID, clientSecret string, tokens TokenProvider) *GmailService {
	return &GmailService{clientID: clientID, clientSecret: clientSecret, tokens: tokens}
}

// ForAccount returns a Client bound to one mailbox. Token refresh is handled
// by the oauth2 token source.
func (s *GmailService) ForAccount(ctx context.Context, email string) (Client, error) {
	tok, err := s.tokens.Token(ctx, email)
	if err != nil {
		return nil, err
	}
	cfg := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}
	httpClient := oauth2.NewClient(ctx, cfg.TokenSource(ctx, tok))
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service for %s: %w", email, err)
	}
	return &gmailClient{srv: srv}, nil
}

type gmailClient struct {
	srv *gmail.Service
}

const gmailUser = "me"

func (c *gmailClient) ListChangesSince(ctx context.Context, cursor, pageToken string) (*ChangePage, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor %q", ErrCursorExpired, cursor)
	}

	var resp *gmail.ListHistoryResponse
	err = withRetry(ctx, "history.list", func() error {
		call := c.srv.Users.History.List(gmailUser).
			StartHistoryId(startID).
			HistoryTypes("messageAdded", "labelAdded", "labelRemoved", "messageDeleted").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var e error
		resp, e = call.Do()
		return e
	})
	if err != nil {
		// Gmail returns 404 when the history id is too old to replay.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, ErrCursorExpired
		}
		return nil, fmt.Errorf("list history: %w", err)
	}

	page := &ChangePage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId > 0 {
		page.NextCursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil {
				continue
			}
			page.Changes = append(page.Changes, Change{
				Kind:      ChangeMessageAdded,
				MessageID: added.Message.Id,
				ThreadID:  added.Message.ThreadId,
				LabelIDs:  added.Message.LabelIds,
			})
		}
		for _, la := range h.LabelsAdded {
			if la.Message == nil {
				continue
			}
			page.Changes = append(page.Changes, Change{
				Kind:      ChangeLabelAdded,
				MessageID: la.Message.Id,
				ThreadID:  la.Message.ThreadId,
				LabelIDs:  la.LabelIds,
			})
		}
		for _, lr := range h.LabelsRemoved {
			if lr.Message == nil {
				continue
			}
			page.Changes = append(page.Changes, Change{
				Kind:      ChangeLabelRemoved,
				MessageID: lr.Message.Id,
				ThreadID:  lr.Message.ThreadId,
				LabelIDs:  lr.LabelIds,
			})
		}
		for _, del := range h.MessagesDeleted {
			if del.Message == nil {
				continue
			}
			page.Changes = append(page.Changes, Change{
				Kind:      ChangeMessageDeleted,
				MessageID: del.Message.Id,
				ThreadID:  del.Message.ThreadId,
			})
		}
	}
	return page, nil
}

func (c *gmailClient) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *gmail.Message
	err := withRetry(ctx, "messages.get", func() error {
		var e error
		msg, e = c.srv.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return convertMessage(msg), nil
}

func (c *gmailClient) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var th *gmail.Thread
	err := withRetry(ctx, "threads.get", func() error {
		var e error
		th, e = c.srv.Users.Threads.Get(gmailUser, threadID).Format("full").Context(ctx).Do()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	thread := &Thread{ID: th.Id}
	for _, m := range th.Messages {
		thread.Messages = append(thread.Messages, *convertMessage(m))
	}
	return thread, nil
}

func (c *gmailClient) ApplyLabels(ctx context.Context, messageIDs []string, add, remove []string) error {
	if len(messageIDs) == 0 || (len(add) == 0 && len(remove) == 0) {
		return nil
	}
	return withRetry(ctx, "messages.batchModify", func() error {
		return c.srv.Users.Messages.BatchModify(gmailUser, &gmail.BatchModifyMessagesRequest{
			Ids:            messageIDs,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
	})
}

func (c *gmailClient) CreateDraft(ctx context.Context, threadID, to, subject, body, inReplyTo string) (string, error) {
	raw := buildReplyMIME(to, subject, body, inReplyTo)
	var draft *gmail.Draft
	err := withRetry(ctx, "drafts.create", func() error {
		var e error
		draft, e = c.srv.Users.Drafts.Create(gmailUser, &gmail.Draft{
			Message: &gmail.Message{
				ThreadId: threadID,
				Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
			},
		}).Context(ctx).Do()
		return e
	})
	if err != nil {
		return "", fmt.Errorf("create draft on %s: %w", threadID, err)
	}
	return draft.Id, nil
}

func (c *gmailClient) TrashDraft(ctx context.Context, draftID string) error {
	err := withRetry(ctx, "drafts.delete", func() error {
		return c.srv.Users.Drafts.Delete(gmailUser, draftID).Context(ctx).Do()
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *gmailClient) TrashThreadDrafts(ctx context.Context, threadID string) error {
	var resp *gmail.ListDraftsResponse
	err := withRetry(ctx, "drafts.list", func() error {
		var e error
		resp, e = c.srv.Users.Drafts.List(gmailUser).Context(ctx).Do()
		return e
	})
	if err != nil {
		return fmt.Errorf("list drafts: %w", err)
	}
	for _, d := range resp.Drafts {
		if d.Message == nil || d.Message.ThreadId != threadID {
			continue
		}
		if err := c.TrashDraft(ctx, d.Id); err != nil {
			return err
		}
	}
	return nil
}

func (c *gmailClient) DraftExists(ctx context.Context, draftID string) (bool, error) {
	err := withRetry(ctx, "drafts.get", func() error {
		_, e := c.srv.Users.Drafts.Get(gmailUser, draftID).Context(ctx).Do()
		return e
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get draft %s: %w", draftID, err)
	}
	return true, nil
}

func (c *gmailClient) DraftBody(ctx context.Context, draftID string) (string, error) {
	var draft *gmail.Draft
	err := withRetry(ctx, "drafts.get", func() error {
		var e error
		draft, e = c.srv.Users.Drafts.Get(gmailUser, draftID).Format("full").Context(ctx).Do()
		return e
	})
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get draft %s: %w", draftID, err)
	}
	if draft.Message == nil {
		return "", nil
	}
	return extractBody(draft.Message.Payload), nil
}

func (c *gmailClient) ThreadDraft(ctx context.Context, threadID string) (string, string, error) {
	var resp *gmail.ListDraftsResponse
	err := withRetry(ctx, "drafts.list", func() error {
		var e error
		resp, e = c.srv.Users.Drafts.List(gmailUser).Context(ctx).Do()
		return e
	})
	if err != nil {
		return "", "", fmt.Errorf("list drafts: %w", err)
	}
	for _, d := range resp.Drafts {
		if d.Message == nil || d.Message.ThreadId != threadID {
			continue
		}
		body, err := c.DraftBody(ctx, d.Id)
		if err != nil {
			return "", "", err
		}
		return d.Id, body, nil
	}
	return "", "", nil
}

func (c *gmailClient) Search(ctx context.Context, query string, max int64) ([]MessageRef, error) {
	var resp *gmail.ListMessagesResponse
	err := withRetry(ctx, "messages.list", func() error {
		var e error
		resp, e = c.srv.Users.Messages.List(gmailUser).Q(query).MaxResults(max).Context(ctx).Do()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	refs := make([]MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

func (c *gmailClient) CurrentCursor(ctx context.Context) (string, error) {
	var profile *gmail.Profile
	err := withRetry(ctx, "getProfile", func() error {
		var e error
		profile, e = c.srv.Users.GetProfile(gmailUser).Context(ctx).Do()
		return e
	})
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (c *gmailClient) RegisterWatch(ctx context.Context, channel string, labelIDs []string) (*WatchHandle, error) {
	var resp *gmail.WatchResponse
	err := withRetry(ctx, "watch", func() error {
		var e error
		resp, e = c.srv.Users.Watch(gmailUser, &gmail.WatchRequest{
			TopicName:           channel,
			LabelIds:            labelIDs,
			LabelFilterBehavior: "include",
		}).Context(ctx).Do()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}
	return &WatchHandle{
		ResourceID: channel,
		Cursor:     strconv.FormatUint(resp.HistoryId, 10),
		ExpiresAt:  time.UnixMilli(resp.Expiration),
	}, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func convertMessage(m *gmail.Message) *Message {
	msg := &Message{
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		Snippet:    m.Snippet,
		LabelIDs:   m.LabelIds,
		Headers:    map[string]string{},
		ReceivedAt: time.UnixMilli(m.InternalDate),
	}
	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		msg.Headers[h.Name] = h.Value
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.SenderName, msg.SenderEmail = parseAddress(h.Value)
		}
	}
	msg.Body = extractBody(m.Payload)
	return msg
}

// parseAddress splits `Name <addr>` into its parts.
func parseAddress(from string) (name, email string) {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		name = strings.Trim(strings.TrimSpace(from[:i]), `"`)
		email = strings.TrimRight(strings.TrimSpace(from[i+1:]), ">")
		return name, email
	}
	return "", strings.TrimSpace(from)
}

// decodeBodyData decodes a message body payload. Gmail serves bodies as
// base64url both with and without padding depending on the part.
func decodeBodyData(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// extractBody walks the MIME tree for the first text/plain part.
func extractBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		return decodeBodyData(part.Body.Data)
	}
	for _, child := range part.Parts {
		if body := extractBody(child); body != "" {
			return body
		}
	}
	if part.Body != nil && part.Body.Data != "" {
		return decodeBodyData(part.Body.Data)
	}
	return ""
}

func buildReplyMIME(to, subject, body, inReplyTo string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(body)
	return b.String()
}
