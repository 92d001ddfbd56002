package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/executor"
	"github.com/starford/cellar/internal/notebook"
)

const cellA = "AAAAAAAAAAAAAAAAAAAAA"

type fakeNotebook struct {
	mu        sync.Mutex
	executed  []notebook.Cell
	force     bool
	removed   []notebook.Cell
	cancelled []cellid.Key
}

func (f *fakeNotebook) ExecuteCells(_ context.Context, cs []notebook.Cell, force, _ bool) ([]executor.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cs...)
	f.force = force
	return nil, nil
}

func (f *fakeNotebook) RemoveCells(_ context.Context, cs []notebook.Cell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, cs...)
	return nil
}

func (f *fakeNotebook) CancelCells(keys []cellid.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, keys...)
	return len(keys)
}

// client is a scripted front-end.
type client struct {
	ws     *websocket.Conn
	answer bool

	writeMu  sync.Mutex
	received chan Frame
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newServer(t *testing.T, nb Notebook) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(testLogger())
	srv := httptest.NewServer(hub.Endpoint(ctx, NewServer(nb, testLogger())))
	t.Cleanup(func() {
		cancel()
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, answer bool) *client {
	t.Helper()
	before := hub.Count()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	c := &client{ws: ws, answer: answer, received: make(chan Frame, 64)}
	go c.read()
	require.Eventually(t, func() bool { return hub.Count() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return c
}

func (c *client) read() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			close(c.received)
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		if f.Type == frameRequest && len(f.ID) > 0 {
			var result any
			if f.Method == "startCellExecution" {
				result = c.answer
			}
			b, _ := response(f.ID, result, nil)
			c.write(b)
		}
		c.received <- f
	}
}

func (c *client) write(b []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *client) call(t *testing.T, id int, method string, args ...any) Frame {
	t.Helper()
	b, err := request(json.RawMessage(strconv.Itoa(id)), method, args)
	require.NoError(t, err)
	c.write(b)
	return c.next(t, func(f Frame) bool { return f.Type == frameResponse })
}

func (c *client) next(t *testing.T, match func(Frame) bool) Frame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-c.received:
			if !ok {
				t.Fatal("connection closed")
			}
			if match(f) {
				return f
			}
		case <-timeout:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestPing(t *testing.T) {
	hub, url := newServer(t, &fakeNotebook{})
	c := dial(t, hub, url, true)

	f := c.call(t, 1, "ping")
	assert.Nil(t, f.Error)
	assert.JSONEq(t, `"pong"`, string(f.Result))
	assert.JSONEq(t, `1`, string(f.ID))
}

func TestExecuteCellsDecodesArguments(t *testing.T) {
	nb := &fakeNotebook{}
	hub, url := newServer(t, nb)
	c := dial(t, hub, url, true)

	code := "1 + 1"
	cells := []notebook.Cell{{Path: "/nb/demo.vnb", CellID: cellA, Language: cellid.TypeScript, Code: &code}}
	f := c.call(t, 2, "executeCells", cells, true, false)
	require.Nil(t, f.Error)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	require.Len(t, nb.executed, 1)
	assert.Equal(t, cellA, nb.executed[0].CellID)
	assert.Equal(t, "1 + 1", *nb.executed[0].Code)
	assert.True(t, nb.force)
}

func TestExecuteCellsRejectsInvalidCell(t *testing.T) {
	nb := &fakeNotebook{}
	hub, url := newServer(t, nb)
	c := dial(t, hub, url, true)

	cells := []notebook.Cell{{Path: "/nb/demo.vnb", CellID: "short", Language: cellid.JavaScript}}
	f := c.call(t, 3, "executeCells", cells, false, false)
	require.NotNil(t, f.Error)
	assert.Contains(t, f.Error.Message, "invalid input")
	assert.Empty(t, nb.executed)
}

func TestCancelAndRemoveCells(t *testing.T) {
	nb := &fakeNotebook{}
	hub, url := newServer(t, nb)
	c := dial(t, hub, url, true)

	f := c.call(t, 4, "cancelCells", []cellid.Key{{Path: "/nb/demo.vnb", CellID: cellA}})
	require.Nil(t, f.Error)
	assert.JSONEq(t, `1`, string(f.Result))

	f = c.call(t, 5, "removeCells", []notebook.Cell{{Path: "/nb/demo.vnb", CellID: cellA, Language: cellid.JavaScript}})
	require.Nil(t, f.Error)
	nb.mu.Lock()
	assert.Len(t, nb.removed, 1)
	nb.mu.Unlock()
}

func TestUnknownMethod(t *testing.T) {
	hub, url := newServer(t, &fakeNotebook{})
	c := dial(t, hub, url, true)

	f := c.call(t, 6, "launchRockets")
	require.NotNil(t, f.Error)
	assert.Contains(t, f.Error.Message, "launchRockets")
}

func TestStartCellExecutionWithoutFrontends(t *testing.T) {
	hub, _ := newServer(t, &fakeNotebook{})
	assert.True(t, hub.StartCellExecution(context.Background(), "/nb/demo.vnb", cellA, true))
}

func TestStartCellExecutionRequiresEveryFrontend(t *testing.T) {
	hub, url := newServer(t, &fakeNotebook{})
	dial(t, hub, url, true)
	assert.True(t, hub.StartCellExecution(context.Background(), "/nb/demo.vnb", cellA, false))

	dial(t, hub, url, false)
	assert.False(t, hub.StartCellExecution(context.Background(), "/nb/demo.vnb", cellA, false))
}

func TestNotificationsAndCallsReachFrontends(t *testing.T) {
	hub, url := newServer(t, &fakeNotebook{})
	c := dial(t, hub, url, true)

	hub.OutputStdout("/nb/demo.vnb", cellA, "hello\n")
	f := c.next(t, func(f Frame) bool { return f.Method == "outputStdout" })
	assert.Empty(t, f.ID)
	require.Len(t, f.Args, 3)
	assert.JSONEq(t, `"hello\n"`, string(f.Args[2]))

	out := executor.CellOutput{Items: []executor.OutputItem{executor.TextItem(executor.MimeText, "1")}}
	hub.EndCellExecution(context.Background(), "/nb/demo.vnb", cellA, &out)
	f = c.next(t, func(f Frame) bool { return f.Method == "endCellExecution" })
	require.Len(t, f.Args, 3)
	assert.JSONEq(t, `{"items":[{"mime":"text/x-javascript","data":[49]}]}`, string(f.Args[2]))

	hub.MarkCellsDirty(context.Background(), []cellid.Key{{Path: "/nb/demo.vnb", CellID: cellA}})
	f = c.next(t, func(f Frame) bool { return f.Method == "markCellsDirty" })
	assert.JSONEq(t, `[{"path":"/nb/demo.vnb","cellId":"`+cellA+`"}]`, string(f.Args[0]))
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := newServer(t, &fakeNotebook{})
	c := dial(t, hub, url, true)
	require.Equal(t, 1, hub.Count())

	c.ws.Close()
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}
