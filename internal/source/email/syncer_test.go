package email

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

type fakeFolder struct {
	uids      []uint32
	messages  map[uint32][]byte
	searchErr error
	fetchErr  error
}

type fetchCall struct {
	folder string
	uids   []uint32
}

type fakeSession struct {
	folders map[string]*fakeFolder

	selected string
	searches []time.Time
	fetches  []fetchCall
	closed   bool
}

func (s *fakeSession) Select(_ context.Context, folder string) error {
	if _, ok := s.folders[folder]; !ok {
		return &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such mailbox"}
	}
	s.selected = folder
	return nil
}

func (s *fakeSession) Search(_ context.Context, since time.Time) ([]uint32, error) {
	f := s.folders[s.selected]
	s.searches = append(s.searches, since)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return slices.Clone(f.uids), nil
}

func (s *fakeSession) Fetch(_ context.Context, uids []uint32) ([]source.Result[RawMessage], error) {
	f := s.folders[s.selected]
	s.fetches = append(s.fetches, fetchCall{s.selected, slices.Clone(uids)})
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []source.Result[RawMessage]
	for _, uid := range uids {
		raw, ok := f.messages[uid]
		if !ok {
			continue
		}
		out = append(out, source.OK(RawMessage{UID: uid, Raw: raw}))
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context, model.AccountConfig) (Session, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func plainMessage(subject, body string) []byte {
	return crlf(fmt.Sprintf("Subject: %s\nFrom: a@example.com\nDate: Mon, 01 Jul 2024 09:00:00 +0000\n\n%s\n", subject, body))
}

func folderWith(uids ...uint32) *fakeFolder {
	f := &fakeFolder{uids: uids, messages: map[uint32][]byte{}}
	for _, uid := range uids {
		f.messages[uid] = plainMessage(fmt.Sprintf("msg %d", uid), "body")
	}
	return f
}

func newTestSyncer(d Dialer) *Syncer {
	s := NewSyncer(d, 0, nil)
	s.now = clock
	return s
}

var gmail = model.AccountConfig{Key: "gmail", Provider: "gmail", Host: "imap.gmail.com", Port: 993}

func TestFoldersByProvider(t *testing.T) {
	tests := []struct {
		name      string
		account   model.AccountConfig
		secondary bool
		want      []string
	}{
		{"inbox only", gmail, false, []string{"INBOX"}},
		{"gmail", gmail, true, []string{"INBOX", "[Gmail]/Spam"}},
		{"outlook", model.AccountConfig{Provider: "Outlook"}, true, []string{"INBOX", "Junk", "Junk Email"}},
		{"unknown provider", model.AccountConfig{Provider: "fastmail"}, true, []string{"INBOX", "[Gmail]/Spam", "Junk", "Spam"}},
		{
			"explicit override", model.AccountConfig{Provider: "gmail", SecondaryFolders: []string{"Bulk", " ", "INBOX", "Bulk"}},
			true, []string{"INBOX", "Bulk"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Folders(tt.account, tt.secondary))
		})
	}
}

func TestFetchEmptyMailbox(t *testing.T) {
	session := &fakeSession{folders: map[string]*fakeFolder{"INBOX": folderWith()}}
	s := newTestSyncer(&fakeDialer{session: session})

	emails, report, err := s.Fetch(context.Background(), gmail, nil, 0, false)
	require.NoError(t, err)
	assert.Empty(t, emails)
	assert.Empty(t, session.fetches, "no FETCH for an empty set")
	assert.Equal(t, []string{"INBOX"}, report.FoldersSearched)
	assert.True(t, report.Since.IsZero())
	assert.Equal(t, []time.Time{{}}, session.searches, "unbounded search is ALL")
	assert.True(t, session.closed)
}

func TestFetchDedupesAcrossFolders(t *testing.T) {
	session := &fakeSession{folders: map[string]*fakeFolder{
		"INBOX":        folderWith(42, 7),
		"[Gmail]/Spam": folderWith(42, 99),
	}}
	s := newTestSyncer(&fakeDialer{session: session})

	emails, report, err := s.Fetch(context.Background(), gmail, nil, 0, true)
	require.NoError(t, err)

	assert.Equal(t, []fetchCall{
		{"INBOX", []uint32{7, 42}},
		{"[Gmail]/Spam", []uint32{99}},
	}, session.fetches)

	require.Len(t, emails, 3)
	assert.Equal(t, "gmail/INBOX/7", emails[0].Key())
	assert.Equal(t, "gmail/INBOX/42", emails[1].Key())
	assert.Equal(t, "gmail/[Gmail]/Spam/99", emails[2].Key())
	assert.Equal(t, "msg 42", emails[1].Subject)
	assert.Equal(t, 3, report.Fetched)
	assert.Zero(t, report.Skipped)
}

func TestFetchIsRepeatable(t *testing.T) {
	session := &fakeSession{folders: map[string]*fakeFolder{
		"INBOX":        folderWith(3, 1, 2),
		"[Gmail]/Spam": folderWith(2, 5),
	}}
	s := newTestSyncer(&fakeDialer{session: session})
	since := time.Date(2024, 6, 30, 18, 45, 0, 0, time.UTC)

	first, _, err := s.Fetch(context.Background(), gmail, &since, 0, true)
	require.NoError(t, err)
	second, _, err := s.Fetch(context.Background(), gmail, &since, 0, true)
	require.NoError(t, err)

	keys := func(emails []model.FetchedEmail) []string {
		var out []string
		for _, e := range emails {
			out = append(out, e.Key())
		}
		return out
	}
	assert.Equal(t, keys(first), keys(second))
	assert.Len(t, first, 4)
}

func TestFetchLowerBound(t *testing.T) {
	checkpoint := time.Date(2024, 6, 20, 23, 30, 0, 0, time.FixedZone("EST", -5*60*60))

	tests := []struct {
		name   string
		since  *time.Time
		window time.Duration
		want   time.Time
	}{
		{"checkpoint day in UTC", &checkpoint, 0, time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)},
		{"window overrides checkpoint", &checkpoint, 24 * time.Hour, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)},
		{"no bound", nil, 0, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &fakeSession{folders: map[string]*fakeFolder{"INBOX": folderWith(1)}}
			s := newTestSyncer(&fakeDialer{session: session})

			_, report, err := s.Fetch(context.Background(), gmail, tt.since, tt.window, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Since)
			assert.Equal(t, []time.Time{tt.want}, session.searches)
		})
	}
}

func TestFetchSkipsMissingAndFailingFolders(t *testing.T) {
	session := &fakeSession{folders: map[string]*fakeFolder{
		"INBOX": folderWith(1),
		"Spam":  {searchErr: &imap.Error{Type: imap.StatusResponseTypeBad, Text: "bad search"}},
	}}
	s := newTestSyncer(&fakeDialer{session: session})
	account := model.AccountConfig{Key: "other"}

	emails, report, err := s.Fetch(context.Background(), account, nil, 0, true)
	require.NoError(t, err)
	assert.Len(t, emails, 1)
	assert.Equal(t, []string{"INBOX"}, report.FoldersSearched)
	assert.Equal(t, []FolderSkip{
		{"[Gmail]/Spam", "select failed"},
		{"Junk", "select failed"},
		{"Spam", "search failed"},
	}, report.FoldersSkipped)
}

func TestFetchFatalErrors(t *testing.T) {
	t.Run("authentication", func(t *testing.T) {
		d := &fakeDialer{err: &source.AuthError{Account: "gmail", Message: "bad password"}}
		s := newTestSyncer(d)

		emails, _, err := s.Fetch(context.Background(), gmail, nil, 0, true)
		require.Error(t, err)
		assert.True(t, source.IsAuthError(err))
		assert.Nil(t, emails)
		assert.Equal(t, 1, d.dials, "no retry")
	})

	t.Run("connection lost during search", func(t *testing.T) {
		session := &fakeSession{folders: map[string]*fakeFolder{
			"INBOX": {searchErr: fmt.Errorf("%w: %w", source.ErrConnection, errors.New("EOF"))},
		}}
		s := newTestSyncer(&fakeDialer{session: session})

		_, _, err := s.Fetch(context.Background(), gmail, nil, 0, true)
		assert.ErrorIs(t, err, source.ErrConnection)
		assert.True(t, session.closed)
	})

	t.Run("timeout during fetch", func(t *testing.T) {
		f := folderWith(1)
		f.fetchErr = fmt.Errorf("%w: deadline", source.ErrTimeout)
		session := &fakeSession{folders: map[string]*fakeFolder{"INBOX": f}}
		s := newTestSyncer(&fakeDialer{session: session})

		emails, _, err := s.Fetch(context.Background(), gmail, nil, 0, false)
		assert.ErrorIs(t, err, source.ErrTimeout)
		assert.Nil(t, emails)
	})
}

func TestFetchSkipsBadMessages(t *testing.T) {
	f := folderWith(1, 2, 3)
	f.messages[2] = []byte("not a header\r\n\r\nbody")
	delete(f.messages, 3)
	session := &fakeSession{folders: map[string]*fakeFolder{"INBOX": f}}
	s := newTestSyncer(&fakeDialer{session: session})

	emails, report, err := s.Fetch(context.Background(), gmail, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, uint32(1), emails[0].UID)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 2, report.Skipped)
}

func TestFetchRefusedFetchSkipsFolder(t *testing.T) {
	spam := folderWith(9)
	spam.fetchErr = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "try later"}
	session := &fakeSession{folders: map[string]*fakeFolder{
		"INBOX":        folderWith(1),
		"[Gmail]/Spam": spam,
	}}
	s := newTestSyncer(&fakeDialer{session: session})

	emails, report, err := s.Fetch(context.Background(), gmail, nil, 0, true)
	require.NoError(t, err)
	assert.Len(t, emails, 1)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []FolderSkip{{"[Gmail]/Spam", "fetch failed"}}, report.FoldersSkipped)
}

func TestPlanFetch(t *testing.T) {
	got := planFetch([]folderUIDs{
		{"INBOX", []uint32{5, 3, 3, 9}},
		{"Junk", []uint32{9, 3}},
		{"Spam", []uint32{1, 9}},
	})
	assert.Equal(t, []fetchBatch{
		{"INBOX", []uint32{3, 5, 9}},
		{"Spam", []uint32{1}},
	}, got)

	assert.Empty(t, planFetch(nil))
}

func TestProperty_PlanFetchFetchesEachUIDOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	uidList := gen.SliceOf(gen.UInt32Range(1, 50))

	properties.Property("every reported UID is fetched exactly once, sorted, from its first folder", prop.ForAll(
		func(a, b, c []uint32) bool {
			found := []folderUIDs{{"A", a}, {"B", b}, {"C", c}}
			batches := planFetch(found)

			first := map[uint32]string{}
			for _, f := range found {
				for _, uid := range f.uids {
					if _, ok := first[uid]; !ok {
						first[uid] = f.folder
					}
				}
			}

			count := 0
			for _, batch := range batches {
				if len(batch.uids) == 0 || !slices.IsSorted(batch.uids) {
					return false
				}
				for _, uid := range batch.uids {
					if first[uid] != batch.folder {
						return false
					}
					count++
				}
			}
			return count == len(first)
		},
		uidList, uidList, uidList,
	))

	properties.Property("input slices are not modified", prop.ForAll(
		func(a []uint32) bool {
			before := slices.Clone(a)
			planFetch([]folderUIDs{{"A", a}})
			return slices.Equal(before, a)
		},
		uidList,
	))

	properties.TestingRun(t)
}
