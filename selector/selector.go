// Package selector implements the deterministic winner draw. Given the
// same participant set and seed pair it always produces the same winners
// and the same payout amounts, so any settled round can be re-derived for
// dispute resolution.
package selector

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

var ErrNoParticipants = errors.New("no participants to draw from")

// Entry is one stake in the draw.
type Entry struct {
	UserID int64
	Stake  int64
}

// Winner is a drawn participant with its rank-based payout.
type Winner struct {
	UserID int64
	Rank   int
	Payout int64
}

// Result is the full settlement breakdown. PrizePool equals the sum of
// winner payouts plus PlatformFee exactly.
type Result struct {
	Winners     []Winner
	PrizePool   int64
	PlatformFee int64
}

// MaxWinners is the largest winner count with a payout table. Room
// provisioning clamps configured counts to this bound.
const MaxWinners = 3

// payoutTables maps winner count to rank shares in basis points of the
// net pool. Shares sum to 10000; truncation remainders accrue to the fee.
var payoutTables = map[int][]int64{
	1: {10000},
	2: {6000, 4000},
	3: {5000, 3000, 2000},
}

// NewServerSeed generates a 32-byte random seed, hex encoded.
func NewServerSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashSeed returns the SHA-256 commitment published before the draw.
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Draw picks winnerCount distinct participants uniformly without
// replacement and splits the pool minus the platform fee among them by
// rank. winnerCount is clamped to the participant count.
func Draw(entries []Entry, serverSeed, clientSeed string, winnerCount, feeBps int) (*Result, error) {
	if len(entries) == 0 {
		return nil, ErrNoParticipants
	}
	if winnerCount < 1 {
		winnerCount = 1
	}
	if winnerCount > len(entries) {
		winnerCount = len(entries)
	}
	shares, ok := payoutTables[winnerCount]
	if !ok {
		return nil, fmt.Errorf("no payout table for %d winners", winnerCount)
	}

	// Canonical draw order: sorted by user ID so the result does not
	// depend on the caller's slice ordering.
	pool := make([]Entry, len(entries))
	copy(pool, entries)
	sort.Slice(pool, func(i, j int) bool { return pool[i].UserID < pool[j].UserID })

	var prizePool int64
	for _, e := range pool {
		prizePool += e.Stake
	}

	stream := newSeedStream(serverSeed, clientSeed)
	winners := make([]Winner, 0, winnerCount)
	for rank := 1; rank <= winnerCount; rank++ {
		idx := stream.intn(len(pool))
		winners = append(winners, Winner{UserID: pool[idx].UserID, Rank: rank})
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	net := prizePool - prizePool*int64(feeBps)/10000
	var paid int64
	for i := range winners {
		winners[i].Payout = net * shares[i] / 10000
		paid += winners[i].Payout
	}

	return &Result{
		Winners:     winners,
		PrizePool:   prizePool,
		PlatformFee: prizePool - paid,
	}, nil
}

// seedStream yields uniform integers from HMAC-SHA256(serverSeed,
// clientSeed:nonce). Neither side can bias the outcome alone: the server
// commits to its seed before the client seed is fixed.
type seedStream struct {
	serverSeed string
	clientSeed string
	nonce      uint64
}

func newSeedStream(serverSeed, clientSeed string) *seedStream {
	return &seedStream{serverSeed: serverSeed, clientSeed: clientSeed}
}

func (s *seedStream) next() uint64 {
	mac := hmac.New(sha256.New, []byte(s.serverSeed))
	fmt.Fprintf(mac, "%s:%d", s.clientSeed, s.nonce)
	s.nonce++
	return binary.BigEndian.Uint64(mac.Sum(nil)[:8])
}

// intn draws a uniform value in [0, n) with rejection sampling to avoid
// modulo bias.
func (s *seedStream) intn(n int) int {
	max := uint64(n)
	limit := ^uint64(0) - ^uint64(0)%max
	for {
		v := s.next()
		if v < limit {
			return int(v % max)
		}
	}
}
