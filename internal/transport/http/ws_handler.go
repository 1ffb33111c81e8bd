package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

// viewRefreshInterval drives countdown updates between change events.
const viewRefreshInterval = time.Second

type Handler struct {
	service   *app.Service
	store     app.Store
	scheduler *app.Scheduler
	upgrader  websocket.Upgrader
}

func NewHandler(service *app.Service, store app.Store, scheduler *app.Scheduler) *Handler {
	return &Handler{
		service:   service,
		store:     store,
		scheduler: scheduler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the HTTP surface on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/sessions", h.CreateSession)
	mux.HandleFunc("/ws/host", h.ServeHost)
	mux.HandleFunc("/ws/play", h.ServePlay)
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type createSessionRequest struct {
	QuizID string `json:"quizId"`
	HostID string `json:"hostId"`
}

type createSessionResponse struct {
	Session domain.Session `json:"session"`
	Teams   []domain.Team  `json:"teams"`
}

// CreateSession opens a new live session for a quiz and returns its join code.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.QuizID == "" || req.HostID == "" {
		http.Error(w, "missing quizId or hostId", http.StatusBadRequest)
		return
	}

	session, teams, err := h.service.CreateSession(r.Context(), req.QuizID, req.HostID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSessionResponse{Session: session, Teams: teams})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNicknameTaken),
		errors.Is(err, domain.ErrDuplicateAnswer):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionEnded),
		errors.Is(err, domain.ErrAnswersLocked),
		errors.Is(err, domain.ErrTeamFull):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

type autoAdvancePayload struct {
	Seconds int `json:"seconds"`
}

// ServeHost is the host control socket: it accepts lifecycle commands and
// streams the projected host dashboard back on every session change.
func (h *Handler) ServeHost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	hostID := r.URL.Query().Get("hostId")
	if sessionID == "" || hostID == "" {
		http.Error(w, "missing sessionId or hostId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	if session.HostID != hostID {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: domain.ErrUnauthorized.Error()}})
		return
	}

	h.scheduler.Track(sessionID)
	defer h.scheduler.Untrack(sessionID)

	events, cancel := h.store.Subscribe(sessionID)
	defer cancel()

	projector := app.NewProjector(h.service, h.store)
	project := func() (any, bool) {
		view, err := projector.HostView(r.Context(), sessionID)
		if err != nil {
			log.Printf("host view projection failed: %v", err)
			return nil, false
		}
		return view, true
	}

	h.pump(conn, events, "host_view", project, func(send chan<- outboundMessage[any], inbound inboundMessage) {
		var err error
		switch inbound.Type {
		case "start":
			_, err = h.service.StartQuestion(r.Context(), sessionID, hostID)
		case "results":
			_, err = h.service.ShowResults(r.Context(), sessionID, hostID)
		case "next":
			_, err = h.service.NextQuestion(r.Context(), sessionID, hostID)
		case "reopen":
			_, err = h.service.ReopenQuestion(r.Context(), sessionID, hostID)
		case "pause":
			_, err = h.service.Pause(r.Context(), sessionID, hostID)
		case "resume":
			_, err = h.service.Resume(r.Context(), sessionID, hostID)
		case "toggle_lock":
			_, err = h.service.ToggleLock(r.Context(), sessionID, hostID)
		case "end":
			_, err = h.service.EndSession(r.Context(), sessionID, hostID)
		case "auto_advance":
			var payload autoAdvancePayload
			if err = json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid auto_advance payload"}}
				return
			}
			_, err = h.service.SetAutoAdvance(r.Context(), sessionID, hostID, payload.Seconds)
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
			return
		}
		if err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
		}
	})
}

type answerPayload struct {
	SelectedIndex int `json:"selectedIndex"`
}

type answerAck struct {
	QuestionID    string `json:"questionId"`
	SelectedIndex int    `json:"selectedIndex"`
}

type joinedPayload struct {
	ParticipantID string `json:"participantId"`
	SessionID     string `json:"sessionId"`
	Nickname      string `json:"nickname"`
	TeamID        string `json:"teamId,omitempty"`
}

// ServePlay is the player socket. New players join with code+nickname (and
// teamId when the session has teams); returning players present the
// participantId handed out on first join to reclaim their seat.
func (h *Handler) ServePlay(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	nickname := r.URL.Query().Get("nickname")
	teamID := r.URL.Query().Get("teamId")
	token := r.URL.Query().Get("participantId")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session, participant, err := h.service.Join(r.Context(), code, nickname, teamID, token)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}

	if err := conn.WriteJSON(outboundMessage[joinedPayload]{Type: "joined", Payload: joinedPayload{
		ParticipantID: participant.ID,
		SessionID:     session.ID,
		Nickname:      participant.Nickname,
		TeamID:        participant.TeamID,
	}}); err != nil {
		return
	}

	events, cancel := h.store.Subscribe(session.ID)
	defer cancel()

	projector := app.NewProjector(h.service, h.store)
	project := func() (any, bool) {
		view, err := projector.PlayerView(r.Context(), session.ID, participant.ID)
		if err != nil {
			log.Printf("player view projection failed: %v", err)
			return nil, false
		}
		return view, true
	}

	h.pump(conn, events, "player_view", project, func(send chan<- outboundMessage[any], inbound inboundMessage) {
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				return
			}
			answer, err := h.service.SubmitAnswer(r.Context(), session.ID, participant.ID, payload.SelectedIndex)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				return
			}
			send <- outboundMessage[any]{Type: "answer_received", Payload: answerAck{
				QuestionID:    answer.QuestionID,
				SelectedIndex: answer.SelectedIndex,
			}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	})
}

// pump runs the shared socket loops: a single writer goroutine, a view
// pusher driven by change events plus a countdown tick, and the inbound
// read loop. handle is called on the read goroutine and must only talk to
// the connection through send.
func (h *Handler) pump(conn *websocket.Conn, events <-chan domain.Event,
	viewType string, project func() (any, bool),
	handle func(send chan<- outboundMessage[any], inbound inboundMessage)) {

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		ticker := time.NewTicker(viewRefreshInterval)
		defer ticker.Stop()

		push := func() bool {
			view, ok := project()
			if !ok {
				return true
			}
			select {
			case send <- outboundMessage[any]{Type: viewType, Payload: view}:
				return true
			case <-closeSignals:
				return false
			}
		}
		if !push() {
			return
		}
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return
				}
				if !push() {
					return
				}
			case <-ticker.C:
				if !push() {
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		handle(send, inbound)
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
