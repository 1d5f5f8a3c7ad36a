package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("Open without path = %v, want PersistenceError", err)
	}
	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestDriversRoundTrip(t *testing.T) {
	t.Parallel()
	drivers := []struct {
		name string
		file string
	}{
		{"file", "chats.json"},
		{"sqlite", "rassilka.db"},
		{"bolt", "rassilka.bolt"},
	}
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: d.name, Path: filepath.Join(t.TempDir(), "data", d.file)}

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			added := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			last := added.Add(time.Hour)
			rows := []ChatRow{
				{ID: 20, Title: "Second", Type: "group", Added: added.Add(time.Second), Active: true, Tags: []string{"favorite"}},
				{ID: 10, Title: "First", Username: "first", Type: "private", Added: added, Active: true},
			}
			if err := st.SaveChats(ctx, rows...); err != nil {
				t.Fatalf("SaveChats: %v", err)
			}
			upd := rows[1]
			upd.MessageCount = 3
			upd.LastMessage = &last
			if err := st.SaveChats(ctx, upd); err != nil {
				t.Fatalf("SaveChats update: %v", err)
			}

			now := time.Now()
			entries := []SendEntry{
				{At: now.Add(-2 * time.Hour), ChatID: 10, OK: true},
				{At: now.Add(-time.Minute), ChatID: 10, OK: true, CampaignID: "CAMP-ABC123"},
				{At: now.Add(-time.Minute), ChatID: 20, OK: false, Error: "blocked"},
			}
			for _, e := range entries {
				if err := st.AppendSend(ctx, e); err != nil {
					t.Fatalf("AppendSend: %v", err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()

			got, err := st.LoadChats(ctx)
			if err != nil {
				t.Fatalf("LoadChats: %v", err)
			}
			if len(got) != 2 || got[0].ID != 10 || got[1].ID != 20 {
				t.Fatalf("LoadChats order = %+v", got)
			}
			if got[0].MessageCount != 3 || got[0].LastMessage == nil || !got[0].LastMessage.Equal(last) {
				t.Fatalf("updated row = %+v", got[0])
			}
			if got[0].Username != "first" || !got[0].Added.Equal(added) {
				t.Fatalf("row fields = %+v", got[0])
			}
			if len(got[1].Tags) != 1 || got[1].Tags[0] != "favorite" || !got[1].Active {
				t.Fatalf("tags/active = %+v", got[1])
			}

			n, err := st.CountSends(ctx, now.Add(-time.Hour))
			if err != nil {
				t.Fatalf("CountSends: %v", err)
			}
			if n != 1 {
				t.Fatalf("CountSends = %d, want 1", n)
			}
			if n, _ := st.CountSends(ctx, now.Add(-24*time.Hour)); n != 2 {
				t.Fatalf("CountSends(24h) = %d, want 2", n)
			}
		})
	}
}

func TestFileStoreReadsLegacyChatFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "chats.json")
	legacy := `{
  "777": {"id": 777, "title": "Legacy", "username": null, "type": "supergroup",
          "participants": 42, "added": "2024-03-01T12:30:00.123456",
          "last_message": null, "message_count": 2, "tags": ["blacklist"], "active": true},
  "888": {"id": 888, "title": "No flag", "type": "group", "added": "2024-03-02T08:00:00"},
  "999": {"id": 999, "title": "Off", "type": "group", "added": "2024-03-02T08:00:00", "active": false}
}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	rows, err := st.LoadChats(context.Background())
	if err != nil || len(rows) != 3 {
		t.Fatalf("LoadChats = %+v, %v", rows, err)
	}
	byID := map[int64]ChatRow{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	if !byID[888].Active || byID[999].Active {
		t.Fatalf("active flags: missing=%v false=%v", byID[888].Active, byID[999].Active)
	}
	r := byID[777]
	if r.ID != 777 || r.Type != "supergroup" || r.Participants != 42 || r.Username != "" || r.LastMessage != nil {
		t.Fatalf("row = %+v", r)
	}
	if r.Added.Year() != 2024 || r.Added.Month() != time.March || r.Added.Minute() != 30 {
		t.Fatalf("added = %v", r.Added)
	}
}
