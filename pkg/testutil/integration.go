package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// IntegrationTest skips t in short mode.
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// ServiceURL returns the address of an external service named by env,
// skipping t in short mode or when the variable is unset. Integration tests
// for PostgreSQL and NATS use LOGPIPE_TEST_DATABASE_URL and
// LOGPIPE_TEST_NATS_URL.
func ServiceURL(t *testing.T, env string) string {
	t.Helper()
	IntegrationTest(t)
	url := os.Getenv(env)
	if url == "" {
		t.Skipf("%s not set", env)
	}
	return url
}

// RedisPool returns a connection pool dialing s. Closing the pool does not
// stop s.
func RedisPool(s *miniredis.Miniredis) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
}

// IntegrationTestSuite gives each test a log directory and a context that
// is cancelled when the test ends.
type IntegrationTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	dir    string
}

// SetupTest prepares a fresh directory and context.
func (s *IntegrationTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)
	s.dir = s.T().TempDir()
}

// TearDownTest cancels the test context.
func (s *IntegrationTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Context returns the current test's context.
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// CreateTempFile writes content to name inside the test directory and
// returns its path.
func (s *IntegrationTestSuite) CreateTempFile(name string, content []byte) string {
	path := filepath.Join(s.dir, name)
	require.NoError(s.T(), os.WriteFile(path, content, 0o644))
	return path
}

// AppendToFile appends content to the file at path, as a logging process
// would.
func (s *IntegrationTestSuite) AppendToFile(path string, content string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(s.T(), err)
	_, err = f.WriteString(content)
	require.NoError(s.T(), err)
	require.NoError(s.T(), f.Close())
}
