package git

import (
	"github.com/stretchr/testify/mock"
)

// MockGitClient is a mock of the git.Client for testing purposes.
type MockGitClient struct {
	mock.Mock
}

func (m *MockGitClient) RepoExists(dir string) bool {
	args := m.Called(dir)
	return args.Bool(0)
}

func (m *MockGitClient) CurrentBranch(dir string) (string, error) {
	args := m.Called(dir)
	return args.String(0), args.Error(1)
}

func (m *MockGitClient) CurrentCommitSHA(dir string) (string, error) {
	args := m.Called(dir)
	return args.String(0), args.Error(1)
}

func (m *MockGitClient) IsDirty(dir string) (bool, error) {
	args := m.Called(dir)
	return args.Bool(0), args.Error(1)
}

func (m *MockGitClient) ResetHardTo(dir, sha string) error {
	args := m.Called(dir, sha)
	return args.Error(0)
}

func (m *MockGitClient) Recover(dir string) error {
	args := m.Called(dir)
	return args.Error(0)
}
