package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"seqmail/config"
	"seqmail/models"
)

// ReplyStore is the slice of the store the reply worker needs.
type ReplyStore interface {
	FindSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	PauseActiveEnrollmentsForSubscriber(ctx context.Context, subscriberID uint) (int64, error)
}

// ReplyWorker watches the reply inbox over IMAP and pauses every active
// enrollment of a subscriber who writes back, so drips stop once a
// human conversation starts.
type ReplyWorker struct {
	Store  ReplyStore
	Config config.ReplyInboxConfig
	Logger *log.Logger
}

func NewReplyWorker(store ReplyStore, cfg config.ReplyInboxConfig, logger *log.Logger) *ReplyWorker {
	return &ReplyWorker{
		Store:  store,
		Config: cfg,
		Logger: logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.Logger.Println("Reply worker started")

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reply worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.fetchReplies(ctx); err != nil {
				rw.Logger.Printf("Error fetching replies: %v", err)
			}
		}
	}
}

func (rw *ReplyWorker) fetchReplies(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", rw.Config.Host, rw.Config.Port)
	c, err := client.DialTLS(addr, &tls.Config{ServerName: rw.Config.Host})
	if err != nil {
		return fmt.Errorf("IMAP dial failed: %w", err)
	}
	defer c.Logout()

	if err := c.Login(rw.Config.Username, rw.Config.Password); err != nil {
		return fmt.Errorf("IMAP login failed: %w", err)
	}

	if _, err := c.Select(rw.Config.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", rw.Config.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("IMAP search failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	for msg := range messages {
		rw.handleMessage(ctx, msg, section)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("IMAP fetch failed: %w", err)
	}

	// Mark the batch seen so the next poll only looks at new mail.
	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		rw.Logger.Printf("Failed to mark replies seen: %v", err)
	}
	return nil
}

func (rw *ReplyWorker) handleMessage(ctx context.Context, msg *imap.Message, section *imap.BodySectionName) {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return
	}
	from := strings.ToLower(msg.Envelope.From[0].Address())

	if rw.isAutoSubmitted(msg, section) {
		rw.Logger.Printf("Skipping auto-submitted message from %s", from)
		return
	}

	subscriber, err := rw.Store.FindSubscriberByEmail(ctx, from)
	if err != nil {
		// Most mail in the reply inbox is not from a known subscriber.
		return
	}

	paused, err := rw.Store.PauseActiveEnrollmentsForSubscriber(ctx, subscriber.ID)
	if err != nil {
		rw.Logger.Printf("Failed to pause enrollments for %s: %v", from, err)
		return
	}
	if paused > 0 {
		repliesPaused.Add(float64(paused))
		rw.Logger.Printf("Paused %d enrollment(s) for %s after reply %q",
			paused, from, msg.Envelope.Subject)
	}
}

// isAutoSubmitted reports whether the message declares itself machine
// generated (out-of-office, delivery notifications).
func (rw *ReplyWorker) isAutoSubmitted(msg *imap.Message, section *imap.BodySectionName) bool {
	body := msg.GetBody(section)
	if body == nil {
		return false
	}

	mr, err := mail.CreateReader(body)
	if err != nil {
		return false
	}

	auto := mr.Header.Get("Auto-Submitted")
	return auto != "" && !strings.EqualFold(auto, "no")
}
