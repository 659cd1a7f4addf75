package telegram

import (
	"context"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func TestResolveNames(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want map[int64]string
	}{
		{
			name: "captioned group with two videos",
			msgs: []Message{
				{ID: 1, GroupID: 9, Text: "Trip"},
				{ID: 2, GroupID: 9, Kind: Video},
				{ID: 3, GroupID: 9, Kind: Video},
			},
			want: map[int64]string{2: "Trip-1", 3: "Trip-2"},
		},
		{
			name: "single member group uses caption verbatim",
			msgs: []Message{
				{ID: 4, GroupID: 5, Kind: Video, Text: "Beach"},
				{ID: 5, GroupID: 5, Kind: OtherDocument},
			},
			want: map[int64]string{4: "Beach"},
		},
		{
			name: "first caption wins",
			msgs: []Message{
				{ID: 1, GroupID: 7, Kind: Video, Text: "first"},
				{ID: 2, GroupID: 7, Kind: Video, Text: "second"},
			},
			want: map[int64]string{1: "first-1", 2: "first-2"},
		},
		{
			name: "fallbacks",
			msgs: []Message{
				{ID: 10, GroupID: 3, Kind: Video},
				{ID: 11, Kind: Video, Text: "  own text  "},
				{ID: 12, Kind: Video},
				{ID: 13, Text: "just chatting"},
			},
			want: map[int64]string{10: "video_10", 11: "own text", 12: "video_12"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveNames(tc.msgs)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
			if again := ResolveNames(tc.msgs); !reflect.DeepEqual(again, got) {
				t.Fatalf("not deterministic: %v vs %v", again, got)
			}
		})
	}
}

type fakeClient struct {
	msgs []Message
}

func (f *fakeClient) Channel(_ context.Context, id string) (Channel, error) {
	return Channel{ID: 100, Title: "Travel " + id}, nil
}

func (f *fakeClient) Messages(context.Context, Channel) ([]Message, error) {
	return f.msgs, nil
}

func (f *fakeClient) Download(context.Context, Channel, int64, string, func(int64, int64)) (string, error) {
	return "", nil
}

func TestSourceCandidates(t *testing.T) {
	c := &fakeClient{msgs: []Message{
		{ID: 1, GroupID: 9, Text: "Trip"},
		{ID: 2, GroupID: 9, Media: Media{Video: true}},
		{ID: 3, Media: Media{Document: true, Attributes: []string{"DocumentAttributeFilename", DocumentAttributeVideo}}},
		{ID: 4, Media: Media{Document: true, Attributes: []string{"DocumentAttributeFilename"}}},
		{ID: 5, Kind: Video},
	}}
	src := NewSource(c, []string{"x"}, "/archive/telegram", zerolog.Nop())
	got, err := src.Candidates(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].RemoteID != "2" || got[0].Title != "Trip" || got[0].Group != "Travel x" || got[0].GroupKey != "9" {
		t.Fatalf("unexpected first candidate %+v", got[0])
	}
	if got[1].Title != "video_3" || got[1].Ordinal != 2 {
		t.Fatalf("unexpected second candidate %+v", got[1])
	}
	if dir := src.DestDir(got[0]); dir != "/archive/telegram/Travel x" {
		t.Fatalf("unexpected dest dir %s", dir)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name  string
		media Media
		want  MediaKind
	}{
		{"video media", Media{Video: true}, Video},
		{"document with video attribute", Media{Document: true, Attributes: []string{"DocumentAttributeFilename", "documentattributevideo"}}, Video},
		{"other document", Media{Document: true, Attributes: []string{"DocumentAttributeAudio"}}, OtherDocument},
		{"document without attributes", Media{Document: true}, OtherDocument},
		{"non media", Media{}, NonMedia},
		{"attributes without document", Media{Attributes: []string{DocumentAttributeVideo}}, NonMedia},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.media); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}
