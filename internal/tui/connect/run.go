package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Run dials the gateway at url and runs the client TUI until the user quits.
// A non-empty token is sent as a bearer Authorization header.
func Run(ctx context.Context, url, token string) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to %s: %s", url, resp.Status)
		}
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer func() { _ = ws.Close() }()

	var mu sync.Mutex
	send := func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteMessage(websocket.TextMessage, data)
	}

	p := tea.NewProgram(NewModel(url, send), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				p.Send(closedMsgFor(err))
				return
			}
			if mt == websocket.TextMessage {
				p.Send(IncomingMsg{Text: string(data)})
			}
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}

	mu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	mu.Unlock()
	return nil
}

func closedMsgFor(err error) ClosedMsg {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ClosedMsg{Code: ce.Code, Reason: ce.Text}
	}
	return ClosedMsg{Err: err}
}
