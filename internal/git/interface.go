package git

// IClient is the surface of the git client consumed by the quality gate
// runner and the self-improvement workflow.
type IClient interface {
	RepoExists(dir string) bool
	CurrentBranch(dir string) (string, error)
	CurrentCommitSHA(dir string) (string, error)
	IsDirty(dir string) (bool, error)
	ResetHardTo(dir, sha string) error
	Recover(dir string) error
}
