package executor

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenAllowsOrdinaryCode(t *testing.T) {
	assert.NoError(t, Screen(`wp_insert_post(array("post_title" => "About"));`))
	assert.NoError(t, Screen(`echo get_option("blogname");`))
}

func TestScreenForbiddenFunction(t *testing.T) {
	err := Screen(`eval($code);`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden function")
}

func TestScreenBlockedDecode(t *testing.T) {
	err := Screen(`$x = base64_decode($blob);`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked decode")
}

func TestScreenBacktickExecution(t *testing.T) {
	err := Screen("$out = `ls -la`;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtick execution")
}

func TestScreenSuperglobalAccess(t *testing.T) {
	err := Screen(`$id = $_GET["id"];`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "superglobal access")
}

func TestScreenDoesNotFlagSubstringsOfSafeNames(t *testing.T) {
	// evaluate() contains "eval" but is not the forbidden call itself
	assert.NoError(t, Screen(`evaluate_score(5);`))
	assert.NoError(t, Screen(`my_system_check();`))
}

type fakeRunner struct {
	stdout string
	stderr string
	err    error
	reqs   []CommandRequest
}

func (f *fakeRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	f.reqs = append(f.reqs, req)
	return f.stdout, f.stderr, f.err
}

func TestCommandExecutorSuccessParsesResult(t *testing.T) {
	runner := &fakeRunner{stdout: "created page\n{\"page_id\": 5}\n"}
	e := NewCommandExecutor([]string{"php"}, "/tmp")
	e.Runner = runner

	res, err := e.Execute(context.Background(), "wp_insert_post();", map[string]interface{}{"site": "example.test"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, float64(5), res.Result["page_id"])

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "wp_insert_post();", runner.reqs[0].Input)
	loopCtx := envValue(runner.reqs[0].Env, "LOOP_CONTEXT")
	assert.Contains(t, loopCtx, "example.test")
}

func TestCommandExecutorInheritsParentEnvironment(t *testing.T) {
	t.Setenv("EXECUTOR_ENV_MARKER", "from-parent")
	runner := &fakeRunner{stdout: "ok"}
	e := NewCommandExecutor([]string{"wp"}, "")
	e.Runner = runner

	_, err := e.Execute(context.Background(), "wp plugin list", nil)
	require.NoError(t, err)

	// interpreters like wp need HOME, PATH, and locale from the parent
	require.Len(t, runner.reqs, 1)
	env := runner.reqs[0].Env
	assert.Equal(t, "from-parent", envValue(env, "EXECUTOR_ENV_MARKER"))
	assert.Equal(t, os.Getenv("PATH"), envValue(env, "PATH"))
	assert.NotEmpty(t, envValue(env, "LOOP_CONTEXT"))
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

func TestCommandExecutorFailureSurfacesStderr(t *testing.T) {
	runner := &fakeRunner{stderr: "PHP Parse error: unexpected token", err: errors.New("exit status 255")}
	e := NewCommandExecutor([]string{"php"}, "")
	e.Runner = runner

	res, err := e.Execute(context.Background(), "broken code", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Parse error")
}

func TestCommandExecutorScreensBeforeRunning(t *testing.T) {
	runner := &fakeRunner{}
	e := NewCommandExecutor([]string{"php"}, "")
	e.Runner = runner

	res, err := e.Execute(context.Background(), `eval($_POST["x"]);`, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "security violation")
	assert.Empty(t, runner.reqs, "rejected payloads never reach the runner")
}

func TestCommandExecutorEmptyPayload(t *testing.T) {
	e := NewCommandExecutor([]string{"php"}, "")
	e.Runner = &fakeRunner{}
	res, err := e.Execute(context.Background(), "   ", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "empty payload", res.Error)
}
