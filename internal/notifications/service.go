package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

const (
	msgMissing       = "Notification not found"
	msgUserMissing   = "User not found"
	msgForbidden     = "Not authorized to access this notification"
	msgDeleteOwn     = "You can only delete your own notifications"
	msgNoRecipients  = "At least one user ID is required"
	msgSendForbidden = "Not authorized to send notifications"
	defaultRetention = 30 * 24 * time.Hour
)

type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

// Publisher receives every stored notification. *Hub satisfies it.
type Publisher interface {
	Publish(n *Notification)
	PublishUnread(userID uuid.UUID, count int)
}

type Service struct {
	repo      Repository
	users     UserDirectory
	publisher Publisher
	logger    *logging.Logger
	retention time.Duration
	now       func() time.Time
}

func NewService(repo Repository, users UserDirectory, publisher Publisher, logger *logging.Logger) *Service {
	if repo == nil {
		panic("notifications: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:      repo,
		users:     users,
		publisher: publisher,
		logger:    logger,
		retention: defaultRetention,
		now:       time.Now,
	}
}

// WithRetention sets how long read notifications are kept.
func (s *Service) WithRetention(d time.Duration) *Service {
	if d > 0 {
		s.retention = d
	}
	return s
}

// Message is a notification raised by the system rather than a user.
type Message struct {
	RecipientID uuid.UUID
	ClinicID    *uuid.UUID
	Type        string
	Title       string
	Body        string
	Data        map[string]any
	Priority    string
	ActionURL   string
	RelatedTo   *Related
	ExpiresAt   *time.Time
	// Channels records how the other channels fared. The in-app entry is
	// added on delivery.
	Channels []Delivery
}

type CreateInput struct {
	UserID       uuid.UUID      `json:"userId" validate:"required"`
	ClinicID     *uuid.UUID     `json:"clinicId"`
	Title        string         `json:"title" validate:"required,max=200"`
	Message      string         `json:"message" validate:"required,max=1000"`
	Type         string         `json:"type" validate:"omitempty,oneof=appointment-reminder appointment-confirmed appointment-cancelled appointment-rescheduled new-appointment payment-received payment-overdue invoice-generated prescription-ready lab-result-ready general"`
	Priority     string         `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Data         map[string]any `json:"data"`
	ActionURL    string         `json:"actionUrl" validate:"omitempty,max=500"`
	RelatedModel string         `json:"relatedModel" validate:"omitempty,max=50"`
	RelatedID    *uuid.UUID     `json:"relatedId"`
	ExpiresAt    *time.Time     `json:"expiresAt"`
}

type BulkInput struct {
	UserIDs   []uuid.UUID `json:"userIds"`
	Title     string      `json:"title" validate:"required,max=200"`
	Message   string      `json:"message" validate:"required,max=1000"`
	Type      string      `json:"type" validate:"omitempty,oneof=appointment-reminder appointment-confirmed appointment-cancelled appointment-rescheduled new-appointment payment-received payment-overdue invoice-generated prescription-ready lab-result-ready general"`
	Priority  string      `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	ActionURL string      `json:"actionUrl" validate:"omitempty,max=500"`
}

type ListInput struct {
	UserID   *uuid.UUID
	Type     string
	Priority string
	IsRead   *bool
	Limit    int
	Offset   int
}

func mapErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apierr.NotFound(msgMissing)
	}
	return err
}

func (s *Service) build(m Message) *Notification {
	now := s.now().UTC()
	n := &Notification{
		ID:          uuid.New(),
		RecipientID: m.RecipientID,
		ClinicID:    m.ClinicID,
		Type:        m.Type,
		Title:       strings.TrimSpace(m.Title),
		Message:     strings.TrimSpace(m.Body),
		Data:        m.Data,
		Priority:    m.Priority,
		ActionURL:   m.ActionURL,
		RelatedTo:   m.RelatedTo,
		ExpiresAt:   m.ExpiresAt,
		Channels:    append(append([]Delivery{}, m.Channels...), Delivery{Type: ChannelInApp, Status: DeliverySent, SentAt: &now}),
	}
	if n.Type == "" {
		n.Type = TypeGeneral
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	return n
}

// Deliver stores a system notification and pushes it to the recipient's
// live connections.
func (s *Service) Deliver(ctx context.Context, m Message) (*Notification, error) {
	if m.RecipientID == uuid.Nil {
		return nil, apierr.BadRequest("Notification recipient is required")
	}
	n := s.build(m)
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	s.push(ctx, n)
	return n, nil
}

func (s *Service) push(ctx context.Context, n *Notification) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(n)
	count, err := s.repo.UnreadCount(ctx, n.RecipientID, s.now().UTC())
	if err != nil {
		s.logger.Warn("notifications: unread count failed", "user_id", n.RecipientID, "error", err)
		return
	}
	s.publisher.PublishUnread(n.RecipientID, count)
}

func requireSender(actor tenancy.Principal) error {
	if !actor.IsAdmin() && !actor.IsStaff() {
		return apierr.Forbidden(msgSendForbidden)
	}
	return nil
}

// Create lets staff notify a single user.
func (s *Service) Create(ctx context.Context, actor tenancy.Principal, in CreateInput) (*Notification, error) {
	if err := requireSender(actor); err != nil {
		return nil, err
	}
	if s.users != nil {
		if _, err := s.users.GetUser(ctx, in.UserID); err != nil {
			if apiErr, ok := apierr.As(err); ok && apiErr.Status == 404 {
				return nil, apierr.NotFound(msgUserMissing)
			}
			return nil, err
		}
	}
	m := Message{
		RecipientID: in.UserID,
		ClinicID:    in.ClinicID,
		Type:        in.Type,
		Title:       in.Title,
		Body:        in.Message,
		Data:        in.Data,
		Priority:    in.Priority,
		ActionURL:   in.ActionURL,
		ExpiresAt:   in.ExpiresAt,
	}
	if in.RelatedModel != "" && in.RelatedID != nil {
		m.RelatedTo = &Related{Model: in.RelatedModel, ID: *in.RelatedID}
	}
	return s.Deliver(ctx, m)
}

// Bulk sends the same notification to every listed user in one
// transaction and returns how many were stored.
func (s *Service) Bulk(ctx context.Context, actor tenancy.Principal, in BulkInput) (int, error) {
	if err := requireSender(actor); err != nil {
		return 0, err
	}
	seen := map[uuid.UUID]bool{}
	var ns []*Notification
	for _, id := range in.UserIDs {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		ns = append(ns, s.build(Message{
			RecipientID: id,
			Type:        in.Type,
			Title:       in.Title,
			Body:        in.Message,
			Priority:    in.Priority,
			ActionURL:   in.ActionURL,
		}))
	}
	if len(ns) == 0 {
		return 0, apierr.BadRequest(msgNoRecipients)
	}
	if err := s.repo.CreateMany(ctx, ns); err != nil {
		return 0, err
	}
	for _, n := range ns {
		s.push(ctx, n)
	}
	s.logger.Info("notifications: bulk send", "count", len(ns), "actor_id", actor.UserID)
	return len(ns), nil
}

// List returns every active notification matching the filter. Admin only.
func (s *Service) List(ctx context.Context, actor tenancy.Principal, in ListInput) ([]*Notification, int, error) {
	if !actor.IsAdmin() {
		return nil, 0, apierr.Forbidden(msgForbidden)
	}
	now := s.now().UTC()
	return s.repo.List(ctx, Filter{
		RecipientID: in.UserID,
		Type:        in.Type,
		Priority:    in.Priority,
		IsRead:      in.IsRead,
		ActiveAt:    &now,
		Limit:       in.Limit,
		Offset:      in.Offset,
	})
}

// Mine pages through the caller's active notifications, most urgent first,
// and reports their unread count.
func (s *Service) Mine(ctx context.Context, actor tenancy.Principal, in ListInput) ([]*Notification, int, int, error) {
	now := s.now().UTC()
	out, total, err := s.repo.List(ctx, Filter{
		RecipientID: &actor.UserID,
		Type:        in.Type,
		IsRead:      in.IsRead,
		ActiveAt:    &now,
		ByPriority:  true,
		Limit:       in.Limit,
		Offset:      in.Offset,
	})
	if err != nil {
		return nil, 0, 0, err
	}
	unread, err := s.repo.UnreadCount(ctx, actor.UserID, now)
	if err != nil {
		return nil, 0, 0, err
	}
	return out, total, unread, nil
}

func (s *Service) Get(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Notification, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	if n.RecipientID != actor.UserID && !actor.IsAdmin() {
		return nil, apierr.Forbidden(msgForbidden)
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, actor tenancy.Principal) (int, error) {
	return s.repo.UnreadCount(ctx, actor.UserID, s.now().UTC())
}

// MarkRead marks the caller's listed notifications read. Ids belonging to
// other users are ignored.
func (s *Service) MarkRead(ctx context.Context, actor tenancy.Principal, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, apierr.Validation(map[string]string{"notificationIds": "At least one notification ID is required"})
	}
	n, err := s.repo.MarkRead(ctx, actor.UserID, ids, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.refreshUnread(ctx, actor.UserID)
	return n, nil
}

// MarkOneRead marks a single notification read, reporting 404 when the
// caller does not own it.
func (s *Service) MarkOneRead(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Notification, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	if n.RecipientID != actor.UserID {
		return nil, apierr.NotFound(msgMissing)
	}
	if !n.IsRead {
		at := s.now().UTC()
		if _, err := s.repo.MarkRead(ctx, actor.UserID, []uuid.UUID{id}, at); err != nil {
			return nil, err
		}
		n.IsRead, n.ReadAt = true, &at
		s.refreshUnread(ctx, actor.UserID)
	}
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, actor tenancy.Principal) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, actor.UserID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.refreshUnread(ctx, actor.UserID)
	return n, nil
}

func (s *Service) refreshUnread(ctx context.Context, userID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	count, err := s.repo.UnreadCount(ctx, userID, s.now().UTC())
	if err != nil {
		s.logger.Warn("notifications: unread count failed", "user_id", userID, "error", err)
		return
	}
	s.publisher.PublishUnread(userID, count)
}

func (s *Service) Delete(ctx context.Context, actor tenancy.Principal, id uuid.UUID) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return mapErr(err)
	}
	if n.RecipientID != actor.UserID {
		return apierr.Forbidden(msgDeleteOwn)
	}
	return mapErr(s.repo.Delete(ctx, id))
}

// DeleteRead removes every read notification of the caller.
func (s *Service) DeleteRead(ctx context.Context, actor tenancy.Principal) (int64, error) {
	return s.repo.DeleteRead(ctx, actor.UserID)
}

// Cleanup drops expired notifications and read ones older than the
// retention period.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	n, err := s.repo.Cleanup(ctx, now, now.Add(-s.retention))
	if err != nil {
		return 0, err
	}
	s.logger.Info("notifications: cleanup finished", "deleted", n)
	return n, nil
}
