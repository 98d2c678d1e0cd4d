package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/rpc"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wfunc/raffleserver/auth"
	"github.com/wfunc/raffleserver/coordinator"
	"github.com/wfunc/raffleserver/fanout"
	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/logger"
	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/monitor"
	"github.com/wfunc/raffleserver/network"
	"github.com/wfunc/raffleserver/persistence"
	raffle_rpc "github.com/wfunc/raffleserver/rpc"
	"github.com/wfunc/raffleserver/session"
)

type RaffleServer struct {
	addr           string
	upgrader       websocket.Upgrader
	httpServer     *http.Server
	sessionManager *session.Manager
	ledger         *ledger.Ledger
	coordinator    *coordinator.Coordinator
	fanout         *fanout.Fanout
	store          persistence.Store
	verifier       *auth.Verifier
	metrics        *monitor.Monitor
	rpcServer      *raffle_rpc.Server
	shutdownChan   chan struct{}
}

func NewRaffleServer(addr, rpcAddr string, store persistence.Store, l *ledger.Ledger,
	coord *coordinator.Coordinator, f *fanout.Fanout, sessions *session.Manager,
	verifier *auth.Verifier, metrics *monitor.Monitor) *RaffleServer {
	s := &RaffleServer{
		addr:           addr,
		sessionManager: sessions,
		ledger:         l,
		coordinator:    coord,
		fanout:         f,
		store:          store,
		verifier:       verifier,
		metrics:        metrics,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	rpcServer, err := raffle_rpc.NewServer(rpcAddr)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}
	s.rpcServer = rpcServer

	rpc.Register(raffle_rpc.NewRoomService(l, coord))
	rpc.Register(raffle_rpc.NewPlayerService(store))

	return s
}

func (s *RaffleServer) Start() error {
	go s.rpcServer.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	logger.Log.Infof("Raffle server listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and unblocks every read loop.
func (s *RaffleServer) Shutdown(ctx context.Context) {
	close(s.shutdownChan)
	s.rpcServer.Stop()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Log.Warnf("HTTP shutdown: %v", err)
		}
	}
}

func (s *RaffleServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, name, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}

	player, err := s.store.UpsertPlayer(userID, name)
	if err != nil {
		logger.Log.Errorf("Player upsert failed for %d: %v", userID, err)
		conn.Close()
		return
	}

	s.handleConnection(conn, player)
}

func (s *RaffleServer) handleConnection(conn *websocket.Conn, player *models.GormPlayer) {
	wsConn := network.NewWSConnection(conn)
	sess := session.NewSession(uuid.New().String(), wsConn)
	sess.UserID = player.UserID
	sess.Name = player.Name
	s.sessionManager.Add(sess)
	s.metrics.IncOnlinePlayers()

	logger.Log.Infof("New connection from %s, user %d, session ID: %s",
		wsConn.RemoteAddr(), player.UserID, sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s",
			wsConn.RemoteAddr(), sess.GetID())
		s.fanout.Disconnect(sess)
		s.sessionManager.Remove(sess.GetID())
		s.metrics.DecOnlinePlayers()
		wsConn.Close()
	}()

	sess.SendJSON(network.MsgTypeBalanceUpdate, models.BalancePayload{
		UserID:  player.UserID,
		Balance: player.Balance,
		Reason:  "connect",
	})

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			s.handlePacket(sess, packet)
		}
	}
}

func (s *RaffleServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
	case network.MsgTypeJoinRoom:
		s.handleJoinRoom(sess, packet)
	case network.MsgTypeLeaveRoom:
		s.handleLeaveRoom(sess, packet)
	case network.MsgTypeRoomSnapshot:
		s.handleSnapshot(sess, packet)
	case network.MsgTypeWatchRoom:
		s.handleWatchRoom(sess, packet)
	case network.MsgTypeUnwatchRoom:
		s.handleUnwatchRoom(sess, packet)
	case network.MsgTypeAnimationDone:
		s.handleAnimationDone(sess, packet)
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
}

type joinRoomRequest struct {
	RoomID     string `json:"room_id"`
	ClientSeed string `json:"client_seed,omitempty"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

func (s *RaffleServer) handleJoinRoom(sess *session.Session, packet *network.Packet) {
	var req joinRoomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, "bad_request", "malformed join request")
		return
	}

	res, err := s.coordinator.HandleJoin(req.RoomID, sess.UserID, req.ClientSeed)
	if err != nil {
		s.sendError(sess, joinErrorCode(err), err.Error())
		return
	}

	logger.Log.Infof("User %d joined room %s round %s", sess.UserID, req.RoomID, res.RoundID)

	// Every connection of this user becomes a participant viewer of the
	// room, so a second tab sees its own events too.
	for _, other := range s.sessionManager.GetByUserID(sess.UserID) {
		other.Watch(req.RoomID)
		other.SetParticipant(req.RoomID, true)
	}

	sess.SendJSON(network.MsgTypeJoinRoom, models.RoomStatePayload{
		RoomID:       req.RoomID,
		RoundID:      res.RoundID,
		SeedHash:     res.SeedHash,
		Status:       res.Room.Status,
		Participants: res.Participants,
		PrizePool:    res.PrizePool,
	})
	s.fanout.SendToUser(sess.UserID, network.MsgTypeBalanceUpdate, models.BalancePayload{
		UserID:  sess.UserID,
		RoundID: res.RoundID,
		Balance: res.Balance,
		Reason:  "stake",
	})
	s.fanout.AnnounceJoin(req.RoomID, res.RoundID, res.SeedHash, sess.UserID, sess, res.Participants, res.PrizePool)
}

func (s *RaffleServer) handleLeaveRoom(sess *session.Session, packet *network.Packet) {
	var req roomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, "bad_request", "malformed leave request")
		return
	}

	res, err := s.coordinator.HandleLeave(req.RoomID, sess.UserID)
	if err != nil {
		s.sendError(sess, leaveErrorCode(err), err.Error())
		return
	}

	logger.Log.Infof("User %d left room %s, refunded %d", sess.UserID, req.RoomID, res.Stake)

	for _, other := range s.sessionManager.GetByUserID(sess.UserID) {
		s.fanout.ClearParticipant(other, req.RoomID)
	}

	sess.SendJSON(network.MsgTypeLeaveRoom, models.RoomStatePayload{
		RoomID:       req.RoomID,
		RoundID:      res.RoundID,
		SeedHash:     res.SeedHash,
		Status:       res.Room.Status,
		Participants: res.Participants,
		PrizePool:    res.PrizePool,
	})
	s.fanout.SendToUser(sess.UserID, network.MsgTypeBalanceUpdate, models.BalancePayload{
		UserID:  sess.UserID,
		RoundID: res.RoundID,
		Balance: res.Balance,
		Reason:  "refund",
	})
	s.fanout.AnnounceLeave(req.RoomID, res.RoundID, res.SeedHash, sess.UserID, sess, res.Participants, res.PrizePool)
}

func (s *RaffleServer) handleSnapshot(sess *session.Session, packet *network.Packet) {
	var req roomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, "bad_request", "malformed snapshot request")
		return
	}

	snap, err := s.ledger.Snapshot(req.RoomID)
	if err != nil {
		s.sendError(sess, "room_not_found", "room not found")
		return
	}
	snap.Countdown = s.coordinator.CountdownRemaining(req.RoomID)
	sess.SendJSON(network.MsgTypeRoomSnapshot, snap)
}

func (s *RaffleServer) handleWatchRoom(sess *session.Session, packet *network.Packet) {
	var req roomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, "bad_request", "malformed watch request")
		return
	}

	if err := s.fanout.Watch(sess, req.RoomID); err != nil {
		s.sendError(sess, "room_not_found", "room not found")
		return
	}
	// Watching always answers with a snapshot so the client can
	// reconcile whatever it missed while away.
	s.handleSnapshot(sess, packet)
}

func (s *RaffleServer) handleUnwatchRoom(sess *session.Session, packet *network.Packet) {
	var req roomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		return
	}
	s.fanout.Unwatch(sess, req.RoomID)
}

func (s *RaffleServer) handleAnimationDone(sess *session.Session, packet *network.Packet) {
	var req roomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		return
	}
	// Only a participant's word counts as a completion signal.
	if !sess.IsParticipant(req.RoomID) {
		return
	}
	s.coordinator.HandleAnimationDone(req.RoomID)
}

func (s *RaffleServer) sendError(sess *session.Session, code, message string) {
	if err := sess.SendJSON(network.MsgTypeError, models.ErrorPayload{
		Code:    code,
		Message: message,
	}); err != nil {
		logger.Log.Debugf("Error send failed for session %s: %v", sess.GetID(), err)
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrRoomNotJoinable):
		return "room_not_joinable"
	case errors.Is(err, ledger.ErrRoomNotFound):
		return "room_not_found"
	default:
		return "internal"
	}
}

func leaveErrorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, ledger.ErrRoomNotFound):
		return "room_not_found"
	default:
		return "internal"
	}
}
