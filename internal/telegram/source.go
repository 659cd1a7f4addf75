package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"favsync/internal/filename"
	"favsync/internal/model"
)

const SourceName = "telegram"

type Channel struct {
	ID       int64
	Username string
	Title    string
}

// Name is the channel's directory and ledger group.
func (c Channel) Name() string {
	if s := strings.TrimSpace(c.Username); s != "" {
		return s
	}
	if s := strings.TrimSpace(c.Title); s != "" {
		return s
	}
	return strconv.FormatInt(c.ID, 10)
}

// Client is the messaging platform capability favsync depends on.
type Client interface {
	Channel(ctx context.Context, id string) (Channel, error)
	// Messages returns the full history of ch, oldest first.
	Messages(ctx context.Context, ch Channel) ([]Message, error)
	// Download saves the media of msg under dir and returns the file path.
	Download(ctx context.Context, ch Channel, msgID int64, dir string, progress func(current, total int64)) (string, error)
}

// Source lists and retrieves videos for a set of channels.
type Source struct {
	client   Client
	channels []string
	root     string
	log      zerolog.Logger

	resolved map[string]Channel
	progress func(current, total int64)
}

func NewSource(client Client, channels []string, root string, log zerolog.Logger) *Source {
	return &Source{
		client:   client,
		channels: channels,
		root:     root,
		log:      log,
		resolved: make(map[string]Channel),
	}
}

func (s *Source) Name() string { return SourceName }

// SetProgress installs a byte progress callback for downloads.
func (s *Source) SetProgress(fn func(current, total int64)) { s.progress = fn }

func (s *Source) Candidates(ctx context.Context, _ func(group string) (map[string]struct{}, error)) ([]model.Candidate, error) {
	var out []model.Candidate
	for _, id := range s.channels {
		ch, err := s.client.Channel(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve channel %s: %w", id, err)
		}
		group := filename.Sanitize(ch.Name(), filename.DefaultMaxBytes)
		s.resolved[group] = ch
		msgs, err := s.client.Messages(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("list channel %s: %w", group, err)
		}
		for i := range msgs {
			msgs[i].Kind = KindOf(msgs[i].Media)
		}
		names := ResolveNames(msgs)
		ordinal := 0
		for _, m := range msgs {
			if m.Kind != Video {
				continue
			}
			ordinal++
			var groupKey string
			if m.GroupID != 0 {
				groupKey = strconv.FormatInt(m.GroupID, 10)
			}
			out = append(out, model.Candidate{
				Source:   SourceName,
				RemoteID: strconv.FormatInt(m.ID, 10),
				Title:    names[m.ID],
				Group:    group,
				GroupKey: groupKey,
				Ordinal:  ordinal,
			})
		}
		s.log.Debug().Str("channel", group).Int("messages", len(msgs)).Msg("channel listed")
	}
	return out, nil
}

func (s *Source) DestDir(c model.Candidate) string {
	return filepath.Join(s.root, c.Group)
}

func (s *Source) Retrieve(ctx context.Context, item *model.Item, workspace string) (string, error) {
	ch, ok := s.resolved[item.Group]
	if !ok {
		return "", fmt.Errorf("channel %s was not listed in this pass", item.Group)
	}
	id, err := strconv.ParseInt(item.RemoteID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid message id %q: %w", item.RemoteID, err)
	}
	return s.client.Download(ctx, ch, id, workspace, s.progress)
}
