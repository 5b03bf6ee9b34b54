package app

import (
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/capture_guide/internal/capture"
	"github.com/relabs-tech/capture_guide/internal/guide"
	"github.com/relabs-tech/capture_guide/internal/steps"
)

//go:embed web
var webFiles embed.FS

// Guide is the part of guide.Guide the HTTP surface uses.
type Guide interface {
	Snapshot() guide.Snapshot
	Dispatch(guide.Command) error
	Subscribe() (<-chan guide.Snapshot, func())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the guide is served on the local network only
	},
}

// WSResponse is sent to websocket clients: every snapshot, and an error for
// every refused command.
type WSResponse struct {
	Type     string          `json:"type"` // snapshot, error
	Snapshot *guide.Snapshot `json:"snapshot,omitempty"`
	Command  string          `json:"command,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// NewRouter builds the guide's HTTP API.
func NewRouter(g Guide) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "OK\n")
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/session", sessionHandler(g)).Methods(http.MethodGet)
	r.HandleFunc("/api/steps", stepsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/commands/{name}", commandHandler(g)).Methods(http.MethodPost)
	r.HandleFunc("/ws", wsHandler(g))

	static, err := fs.Sub(webFiles, "web")
	if err != nil {
		panic(err)
	}
	r.PathPrefix("/").Handler(http.FileServer(http.FS(static))).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func sessionHandler(g Guide) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.Snapshot())
	}
}

func stepsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, steps.Canonical())
}

// commandStatus maps a command error to an HTTP status.
func commandStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, guide.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrRejected), errors.Is(err, capture.ErrNoCamera):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// commandHandler runs the named command. The argument comes from the "arg"
// query parameter or a JSON body {"arg": "..."}.
func commandHandler(g Guide) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := guide.Command{Name: mux.Vars(r)["name"], Arg: r.URL.Query().Get("arg")}
		if r.ContentLength != 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var body struct {
				Arg string `json:"arg"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			if body.Arg != "" {
				cmd.Arg = body.Arg
			}
		}

		err := g.Dispatch(cmd)
		if err != nil {
			log.Printf("web: command %s(%s): %v", cmd.Name, cmd.Arg, err)
			writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, g.Snapshot())
	}
}

// wsHandler streams snapshots to the client and runs the commands it sends.
func wsHandler(g Guide) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		snaps, cancel := g.Subscribe()
		defer cancel()

		// Commands are read on their own goroutine; only this one writes.
		errs := make(chan WSResponse, 4)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var cmd guide.Command
				if err := conn.ReadJSON(&cmd); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						log.Printf("web: websocket read error: %v", err)
					}
					return
				}
				if err := g.Dispatch(cmd); err != nil {
					select {
					case errs <- WSResponse{Type: "error", Command: cmd.Name, Message: err.Error()}:
					default:
					}
				}
			}
		}()

		for {
			var msg WSResponse
			select {
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				msg = WSResponse{Type: "snapshot", Snapshot: &snap}
			case msg = <-errs:
			case <-done:
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("web: websocket write error: %v", err)
				return
			}
		}
	}
}
