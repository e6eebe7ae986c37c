//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("FABRICPM_TEST_EXAMPLES") == "" {
		s.T().Skip("set FABRICPM_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestSweepBasic() {
	output := s.goRun("./examples/sweep_basic")
	require.Contains(s.T(), output, "sweep 2: 6 nodes")
}

func (s *ExampleSuite) TestConfigShow() {
	output := s.goRun("./cmd/fabricpm", "config", "show")
	require.Contains(s.T(), output, "max_parallel_nodes: 10")
}

func (s *ExampleSuite) goRun(pkg string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", pkg}, args...)...)
	cmd.Env = os.Environ()
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "%s timed out:\n%s", pkg, string(output))
	}
	require.NoErrorf(s.T(), err, "%s failed:\n%s", pkg, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
