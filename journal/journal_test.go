package journal

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/taskledger/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "0xabc0000000000000000000000000000000000001"

type failingBackend struct {
	*MemoryBackend
	err error
}

func (b *failingBackend) Save(entry *Entry) error {
	if b.err != nil {
		return b.err
	}
	return b.MemoryBackend.Save(entry)
}

func TestEmptyJournal(t *testing.T) {
	j := NewJournal(NewMemoryBackend())

	summary, err := j.Summary(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Size)
	assert.Empty(t, summary.Root)

	contains, err := j.Contains(testAccount, fingerprint.MustDerive("Pay rent", "", nil))
	require.NoError(t, err)
	assert.False(t, contains)
}

func TestAppendChangesRootAndProvesInclusion(t *testing.T) {
	j := NewJournal(NewMemoryBackend())
	fp0 := fingerprint.MustDerive("Pay rent", "", nil)
	fp1 := fingerprint.MustDerive("Water plants", "", nil)

	require.NoError(t, j.Append(testAccount, fp0, nil))
	s0, err := j.Summary(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, s0.Size)
	assert.NotEmpty(t, s0.Root)

	require.NoError(t, j.Append(testAccount, fp1, nil))
	s1, err := j.Summary(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 2, s1.Size)
	assert.NotEqual(t, s0.Root, s1.Root)

	for _, fp := range []fingerprint.Fingerprint{fp0, fp1} {
		contains, err := j.Contains(testAccount, fp)
		require.NoError(t, err)
		assert.True(t, contains)
	}

	contains, err := j.Contains(testAccount, fingerprint.MustDerive("Walk dog", "", nil))
	require.NoError(t, err)
	assert.False(t, contains)
}

func TestAppendIsIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	j := NewJournal(backend)
	fp := fingerprint.MustDerive("Pay rent", "", nil)

	require.NoError(t, j.Append(testAccount, fp, nil))
	s0, _ := j.Summary(testAccount)
	require.NoError(t, j.Append("0xABC0000000000000000000000000000000000001", fp, nil))
	s1, _ := j.Summary(testAccount)

	assert.Equal(t, s0, s1)
	entries, _ := backend.Load(testAccount)
	assert.Len(t, entries, 1)
}

func TestJournalsAreScopedByAccount(t *testing.T) {
	j := NewJournal(NewMemoryBackend())
	fp := fingerprint.MustDerive("Pay rent", "", nil)

	require.NoError(t, j.Append(testAccount, fp, nil))

	contains, err := j.Contains("0xdef", fp)
	require.NoError(t, err)
	assert.False(t, contains)
}

func TestJournalReloadsFromBackend(t *testing.T) {
	backend := NewMemoryBackend()
	j0 := NewJournal(backend)
	for _, title := range []string{"a", "b", "c"} {
		require.NoError(t, j0.Append(testAccount, fingerprint.MustDerive(title, "", nil), nil))
	}
	s0, err := j0.Summary(testAccount)
	require.NoError(t, err)

	j1 := NewJournal(backend)
	s1, err := j1.Summary(testAccount)
	require.NoError(t, err)
	assert.Equal(t, s0, s1)

	contains, err := j1.Contains(testAccount, fingerprint.MustDerive("b", "", nil))
	require.NoError(t, err)
	assert.True(t, contains)
}

func TestAppendSurfacesBackendErrors(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend(), err: errors.New("connection refused")}
	j := NewJournal(backend)
	fp := fingerprint.MustDerive("Pay rent", "", nil)

	assert.Error(t, j.Append(testAccount, fp, nil))

	s, err := j.Summary(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Size)
}

func TestJournalDetailsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	j := NewJournal(NewMemoryBackend())
	fp := fingerprint.MustDerive("Pay rent", "", nil)
	require.NoError(t, j.Append(testAccount, fp, nil))

	r := gin.New()
	InstallAPI(r, j)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/journal/"+testAccount+"?fingerprint="+fp.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)

	summary := &Summary{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), summary))
	assert.Equal(t, 1, summary.Size)
	require.NotNil(t, summary.Contains)
	assert.True(t, *summary.Contains)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/journal/"+testAccount+"?fingerprint=0x12", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
