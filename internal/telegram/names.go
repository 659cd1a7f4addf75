// Package telegram turns the video messages of configured channels into
// archive candidates. The messaging client itself is supplied by the
// caller through Client.
package telegram

import (
	"fmt"
	"strings"
)

type MediaKind int

const (
	NonMedia MediaKind = iota
	Video
	OtherDocument
)

func (k MediaKind) String() string {
	switch k {
	case Video:
		return "video"
	case OtherDocument:
		return "document"
	default:
		return "none"
	}
}

// DocumentAttributeVideo is the declared attribute marking a document as a
// video.
const DocumentAttributeVideo = "DocumentAttributeVideo"

// Media is what the client reports as attached to a message.
type Media struct {
	// Video is set when the message carries a video media object.
	Video    bool
	Document bool
	// Attributes lists the declared document attribute types.
	Attributes []string
}

// Message is one channel message in arrival order. GroupID is zero when the
// message is not part of a media group. Kind is filled from Media by the
// source with KindOf.
type Message struct {
	ID      int64
	GroupID int64
	Text    string
	Media   Media
	Kind    MediaKind
}

// KindOf classifies a message by its declared media.
func KindOf(m Media) MediaKind {
	if m.Video {
		return Video
	}
	if !m.Document {
		return NonMedia
	}
	for _, a := range m.Attributes {
		if strings.EqualFold(strings.TrimSpace(a), DocumentAttributeVideo) {
			return Video
		}
	}
	return OtherDocument
}

// ResolveNames derives a base name for every video message. Videos of a
// captioned group share the caption, indexed by arrival order when the group
// holds several videos. Ungrouped videos use their own text. Everything else
// falls back to video_<id>.
func ResolveNames(msgs []Message) map[int64]string {
	captions := make(map[int64]string)
	members := make(map[int64][]int64)
	var videos []Message
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if m.GroupID != 0 && text != "" {
			if _, ok := captions[m.GroupID]; !ok {
				captions[m.GroupID] = text
			}
		}
		if m.Kind != Video {
			continue
		}
		videos = append(videos, m)
		if m.GroupID != 0 {
			members[m.GroupID] = append(members[m.GroupID], m.ID)
		}
	}

	names := make(map[int64]string, len(videos))
	for _, v := range videos {
		if v.GroupID != 0 {
			caption, ok := captions[v.GroupID]
			if !ok {
				names[v.ID] = fallbackName(v.ID)
				continue
			}
			group := members[v.GroupID]
			if len(group) == 1 {
				names[v.ID] = caption
				continue
			}
			for i, id := range group {
				if id == v.ID {
					names[v.ID] = fmt.Sprintf("%s-%d", caption, i+1)
					break
				}
			}
			continue
		}
		if text := strings.TrimSpace(v.Text); text != "" {
			names[v.ID] = text
			continue
		}
		names[v.ID] = fallbackName(v.ID)
	}
	return names
}

func fallbackName(id int64) string {
	return fmt.Sprintf("video_%d", id)
}
