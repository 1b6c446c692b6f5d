package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"seopilot/internal/engine"
)

const defaultStreamPoll = time.Second

type streamOptions struct {
	poll    time.Duration
	origins []string
	log     *zap.Logger
}

// registerEventStream pushes a project's new events over a WebSocket as JSON
// text frames. Clients may resume with ?after=<event id>.
func registerEventStream(r chi.Router, basePath string, e engine.Engine, opts streamOptions) {
	poll, log := opts.poll, opts.log
	if poll <= 0 {
		poll = defaultStreamPoll
	}
	if log == nil {
		log = zap.NewNop()
	}
	r.Get(path.Join(basePath, "projects/{project_id}/events/stream"), func(w http.ResponseWriter, req *http.Request) {
		projectID := chi.URLParam(req, "project_id")
		if _, err := scopeProject(req.Context(), e, projectID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		cursor, err := streamCursor(req, e, projectID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}

		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			OriginPatterns: opts.origins,
		})
		if err != nil {
			log.Warn("ws accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(req.Context())
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			events, err := e.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, projectID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("stream fetch failed", zap.String("project_id", projectID), zap.Error(err))
					conn.Close(websocket.StatusInternalError, "event fetch failed")
				}
				return
			}
			for _, evt := range events {
				data, err := json.Marshal(eventResponse(evt))
				if err != nil {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					log.Debug("ws write failed", zap.Error(err))
					return
				}
				cursor = evt.ID
			}
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case <-ticker.C:
			}
		}
	})
}

func streamCursor(req *http.Request, e engine.Engine, projectID string) (int64, error) {
	if raw := req.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": raw})
		}
		return after, nil
	}
	return e.Repo.LatestEventID(req.Context(), projectID)
}
