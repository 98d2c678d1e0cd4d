package rpc

import (
	"net"
	"net/rpc"

	"github.com/wfunc/raffleserver/coordinator"
	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/logger"
	"github.com/wfunc/raffleserver/models"
	"github.com/wfunc/raffleserver/persistence"
)

// Server manages the admin RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

// NewServer creates a new RPC server. Services are registered by the
// caller before Start.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// RoomService exposes operator controls over rooms.
type RoomService struct {
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
}

func NewRoomService(l *ledger.Ledger, c *coordinator.Coordinator) *RoomService {
	return &RoomService{ledger: l, coord: c}
}

type GetRoomStateArgs struct {
	RoomID string
}

type GetRoomStateReply struct {
	Snapshot *models.RoomSnapshot
}

// GetRoomState returns the authoritative view of a room, including the
// in-memory countdown the database does not hold.
func (rs *RoomService) GetRoomState(args *GetRoomStateArgs, reply *GetRoomStateReply) error {
	snap, err := rs.ledger.Snapshot(args.RoomID)
	if err != nil {
		return err
	}
	snap.Countdown = rs.coord.CountdownRemaining(args.RoomID)
	reply.Snapshot = snap
	return nil
}

type ReprocessArgs struct {
	RoomID string
}

type ReprocessReply struct {
	Accepted bool
}

// Reprocess re-submits a failed round for winner computation after
// rotating its server seed.
func (rs *RoomService) Reprocess(args *ReprocessArgs, reply *ReprocessReply) error {
	if err := rs.coord.Reprocess(args.RoomID); err != nil {
		return err
	}
	reply.Accepted = true
	return nil
}

// PlayerService exposes operator controls over player accounts.
type PlayerService struct {
	store persistence.Store
}

func NewPlayerService(store persistence.Store) *PlayerService {
	return &PlayerService{store: store}
}

type CreditArgs struct {
	UserID int64
	Amount int64
}

type CreditReply struct {
	Balance int64
}

// Credit adjusts a player's balance by Amount, which may be negative.
func (ps *PlayerService) Credit(args *CreditArgs, reply *CreditReply) error {
	balance, err := ps.store.CreditBalance(args.UserID, args.Amount)
	if err != nil {
		return err
	}
	reply.Balance = balance
	return nil
}
