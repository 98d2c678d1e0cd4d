// Package audit publishes fire-and-forget notifications to an external
// audit/notification system over NATS. Publish failures are logged and
// swallowed; they must never block or roll back a lifecycle transition.
package audit

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wfunc/raffleserver/ledger"
	"github.com/wfunc/raffleserver/logger"
)

// Notifier is the sink the coordinator emits to.
type Notifier interface {
	WinnerAnnounced(settlement *ledger.Settlement)
	RoundFailed(roomID, roundID string, reason string)
	BalanceChanged(userID int64, balance int64, reason string)
}

// NATSNotifier publishes JSON events on "<prefix>.winner",
// "<prefix>.failure" and "<prefix>.balance".
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSNotifier(url, prefix string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSNotifier{conn: conn, prefix: prefix}, nil
}

func (n *NATSNotifier) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Log.Warnw("audit marshal failed", "subject", subject, "error", err)
		return
	}
	if err := n.conn.Publish(n.prefix+"."+subject, data); err != nil {
		logger.Log.Warnw("audit publish failed", "subject", subject, "error", err)
	}
}

func (n *NATSNotifier) WinnerAnnounced(settlement *ledger.Settlement) {
	n.publish("winner", map[string]interface{}{
		"room_id":      settlement.Room.RoomID,
		"round_id":     settlement.RoundID,
		"prize_pool":   settlement.Result.PrizePool,
		"platform_fee": settlement.Result.PlatformFee,
		"winners":      settlement.Result.Winners,
		"server_seed":  settlement.ServerSeed,
		"client_seed":  settlement.ClientSeed,
		"settled_at":   settlement.SettledAt,
	})
}

func (n *NATSNotifier) RoundFailed(roomID, roundID string, reason string) {
	n.publish("failure", map[string]interface{}{
		"room_id":  roomID,
		"round_id": roundID,
		"reason":   reason,
		"at":       time.Now(),
	})
}

func (n *NATSNotifier) BalanceChanged(userID int64, balance int64, reason string) {
	n.publish("balance", map[string]interface{}{
		"user_id": userID,
		"balance": balance,
		"reason":  reason,
		"at":      time.Now(),
	})
}

func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// Nop is the sink used when NATS is disabled.
type Nop struct{}

func (Nop) WinnerAnnounced(*ledger.Settlement)  {}
func (Nop) RoundFailed(string, string, string)  {}
func (Nop) BalanceChanged(int64, int64, string) {}
