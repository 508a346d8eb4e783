package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Descriptor {
	return Descriptor{
		Name: name,
		Schema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
		Execute: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

func TestRegisterRejectsDuplicatesAndIncompleteDescriptors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	err := r.Register(echoTool("echo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, r.Register(Descriptor{Name: "", Execute: echoTool("x").Execute}))
	require.Error(t, r.Register(Descriptor{Name: "noexec"}))
}

func TestInvokeReturnsExecutorOutputUnchanged(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	res := r.Invoke(context.Background(), "echo", `{"text":"hi there"}`)
	require.True(t, res.OK())
	assert.Equal(t, `{"text":"hi there"}`, string(res.Output))
	assert.Equal(t, `{"text":"hi there"}`, res.Payload())
	assert.Equal(t, "ok", res.Outcome())
}

func TestInvokeUnknownToolIsAFailureResult(t *testing.T) {
	r := NewRegistry()

	res := r.Invoke(context.Background(), "doesNotExist", `{}`)
	require.False(t, res.OK())
	assert.Equal(t, CodeUnknownTool, res.Failure.Code)

	var payload map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Payload()), &payload))
	assert.Equal(t, CodeUnknownTool, payload["error"]["code"])
}

func TestInvokeValidatesArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	cases := map[string]string{
		"not json":         `{"text":`,
		"missing required": `{}`,
		"wrong type":       `{"text":42}`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			res := r.Invoke(context.Background(), "echo", args)
			require.False(t, res.OK())
			assert.Equal(t, CodeInvalidArguments, res.Failure.Code)
		})
	}
}

func TestInvokeExecutorFaults(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Descriptor{
		Name: "fails",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("backend down")
		},
	})
	r.MustRegister(Descriptor{
		Name: "panics",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			panic("nil map")
		},
	})

	res := r.Invoke(context.Background(), "fails", "")
	require.False(t, res.OK())
	assert.Equal(t, CodeExecutionFailed, res.Failure.Code)
	assert.Contains(t, res.Failure.Message, "backend down")

	res = r.Invoke(context.Background(), "panics", "")
	require.False(t, res.OK())
	assert.Equal(t, CodeExecutionFailed, res.Failure.Code)
}

func TestDeclarationsSortedByName(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("zeta"))
	r.MustRegister(echoTool("alpha"))

	decls := r.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "alpha", decls[0].Name)
	assert.Equal(t, "zeta", decls[1].Name)
	assert.Equal(t, "object", decls[0].Parameters.Type)
}

func TestConcurrentInvocationsAreIndependent(t *testing.T) {
	r := Builtin()

	var wg sync.WaitGroup
	errs := make(chan string, 50)
	for i := 1; i <= 50; i++ {
		limit := i%5 + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			args, _ := json.Marshal(map[string]int{"limit": limit})
			res := r.Invoke(context.Background(), "getMetallicaAlbums", string(args))
			if !res.OK() {
				errs <- res.Failure.Message
				return
			}
			var out struct {
				Albums []Album `json:"albums"`
			}
			if err := json.Unmarshal(res.Output, &out); err != nil || len(out.Albums) != limit {
				errs <- "unexpected album count"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}
