package chunks

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const stagingFileName = "staging"

// session is one in-progress chunked upload. mu serialises every mutation
// of the session and its staging files.
type session struct {
	mu sync.Mutex

	uploadID    string
	fileName    string
	objectName  string
	totalSize   int64
	totalChunks int

	received map[int]struct{}
	// parked holds chunks that arrived ahead of next, by index.
	parked map[int]string
	// next is the first index not yet appended to the staging file.
	next int

	dir        string
	createdAt  time.Time
	lastActive time.Time
	closed     bool
}

func (s *session) stagingPath() string {
	return filepath.Join(s.dir, stagingFileName)
}

func (s *session) partPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.part", index))
}

func (s *session) has(index int) bool {
	_, ok := s.received[index]
	return ok
}

func (s *session) complete() bool {
	return len(s.received) == s.totalChunks
}

// missing returns every index in [0, totalChunks) not yet received.
func (s *session) missing() []int {
	var out []int
	for i := 0; i < s.totalChunks; i++ {
		if !s.has(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s *session) receivedIndices() []int {
	out := make([]int, 0, len(s.received))
	for i := range s.received {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
