// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/wfunc/raffleserver/models"
)

const queryTimeout = 5 * time.Second

// SQLStore is the database/sql Store implementation. It owns its own
// schema; pick one driver per deployment, the two implementations do not
// share tables.
type SQLStore struct {
	db *sql.DB
}

// NewPostgreSQL opens a database/sql PostgreSQL connection.
func NewPostgreSQL(host string, port int, user, password, dbname string) (*SQLStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initTables(db); err != nil {
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func initTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS players (
            id SERIAL PRIMARY KEY,
            user_id BIGINT UNIQUE NOT NULL,
            name VARCHAR(255) NOT NULL,
            balance BIGINT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS rooms (
            id SERIAL PRIMARY KEY,
            room_id VARCHAR(255) UNIQUE NOT NULL,
            name VARCHAR(255) NOT NULL,
            bet_amount BIGINT NOT NULL,
            min_participants INT NOT NULL,
            max_participants INT NOT NULL,
            countdown_secs INT NOT NULL,
            winner_count INT NOT NULL DEFAULT 1,
            fee_bps INT NOT NULL DEFAULT 0,
            status VARCHAR(50) NOT NULL DEFAULT 'WAITING',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS rounds (
            id SERIAL PRIMARY KEY,
            round_id VARCHAR(255) UNIQUE NOT NULL,
            room_id VARCHAR(255) NOT NULL,
            server_seed VARCHAR(255) NOT NULL,
            server_seed_hash VARCHAR(255) NOT NULL,
            client_seed VARCHAR(255) NOT NULL DEFAULT '',
            locked_at TIMESTAMP,
            completed_at TIMESTAMP,
            archived_at TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS participants (
            id SERIAL PRIMARY KEY,
            round_id VARCHAR(255) NOT NULL,
            user_id BIGINT NOT NULL,
            stake BIGINT NOT NULL,
            won_amount BIGINT NOT NULL DEFAULT 0,
            winner BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            UNIQUE (round_id, user_id)
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_rounds_room_active ON rounds(room_id) WHERE completed_at IS NULL AND archived_at IS NULL;
        CREATE INDEX IF NOT EXISTS idx_participants_round_id ON participants(round_id);
        CREATE INDEX IF NOT EXISTS idx_participants_user_id ON participants(user_id);
    `)

	return err
}

func (s *SQLStore) GetPlayer(userID int64) (*models.GormPlayer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	player := models.GormPlayer{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, balance FROM players WHERE user_id = $1`, userID).
		Scan(&player.Name, &player.Balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &player, nil
}

func (s *SQLStore) UpsertPlayer(userID int64, name string) (*models.GormPlayer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	player := models.GormPlayer{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO players (user_id, name)
        VALUES ($1, $2)
        ON CONFLICT (user_id)
        DO UPDATE SET name = CASE WHEN $2 = '' THEN players.name ELSE $2 END,
                      updated_at = CURRENT_TIMESTAMP
        RETURNING name, balance
    `, userID, name).Scan(&player.Name, &player.Balance)
	if err != nil {
		return nil, err
	}
	return &player, nil
}

func (s *SQLStore) CreditBalance(userID int64, amount int64) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM players WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrRecordNotFound
		}
		return 0, err
	}
	if amount < 0 && balance+amount < 0 {
		return 0, ErrInsufficientBalance
	}
	balance += amount
	if _, err := tx.ExecContext(ctx,
		`UPDATE players SET balance = $1, updated_at = CURRENT_TIMESTAMP WHERE user_id = $2`,
		balance, userID); err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

func (s *SQLStore) CreateRoom(room *models.GormRoom) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rooms (room_id, name, bet_amount, min_participants, max_participants,
                           countdown_secs, winner_count, fee_bps, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, room.RoomID, room.Name, room.BetAmount, room.MinParticipants, room.MaxParticipants,
		room.CountdownSecs, room.WinnerCount, room.FeeBps, room.Status)
	return err
}

func (s *SQLStore) scanRoom(row *sql.Row) (*models.GormRoom, error) {
	var room models.GormRoom
	err := row.Scan(&room.RoomID, &room.Name, &room.BetAmount, &room.MinParticipants,
		&room.MaxParticipants, &room.CountdownSecs, &room.WinnerCount, &room.FeeBps, &room.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &room, nil
}

const roomColumns = `room_id, name, bet_amount, min_participants, max_participants,
                     countdown_secs, winner_count, fee_bps, status`

func (s *SQLStore) GetRoom(roomID string) (*models.GormRoom, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	return s.scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE room_id = $1`, roomID))
}

func (s *SQLStore) GetRoomByName(name string) (*models.GormRoom, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	return s.scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE name = $1`, name))
}

func (s *SQLStore) ListRooms() ([]models.GormRoom, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.GormRoom
	for rows.Next() {
		var room models.GormRoom
		if err := rows.Scan(&room.RoomID, &room.Name, &room.BetAmount, &room.MinParticipants,
			&room.MaxParticipants, &room.CountdownSecs, &room.WinnerCount, &room.FeeBps,
			&room.Status); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *SQLStore) SetRoomStatus(roomID string, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE room_id = $2`,
		status, roomID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLStore) ActiveRound(roomID string) (*models.GormRound, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var round models.GormRound
	var lockedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT round_id, room_id, server_seed, server_seed_hash, client_seed, locked_at, created_at
        FROM rounds
        WHERE room_id = $1 AND completed_at IS NULL AND archived_at IS NULL
    `, roomID).Scan(&round.RoundID, &round.RoomID, &round.ServerSeed,
		&round.ServerSeedHash, &round.ClientSeed, &lockedAt, &round.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if lockedAt.Valid {
		round.LockedAt = &lockedAt.Time
	}
	return &round, nil
}

func (s *SQLStore) CreateRound(round *models.GormRound) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rounds (round_id, room_id, server_seed, server_seed_hash, client_seed)
        VALUES ($1, $2, $3, $4, $5)
    `, round.RoundID, round.RoomID, round.ServerSeed, round.ServerSeedHash, round.ClientSeed)
	return err
}

func (s *SQLStore) SetClientSeed(roundID string, seed string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET client_seed = $1 WHERE round_id = $2`, seed, roundID)
	return err
}

func (s *SQLStore) RotateServerSeed(roundID string, seed, hash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        UPDATE rounds SET server_seed = $1, server_seed_hash = $2
        WHERE round_id = $3 AND completed_at IS NULL
    `, seed, hash, roundID)
	return err
}

func (s *SQLStore) Participants(roundID string) ([]models.GormParticipant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
        SELECT round_id, user_id, stake, won_amount, winner
        FROM participants WHERE round_id = $1 ORDER BY id
    `, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.GormParticipant
	for rows.Next() {
		var p models.GormParticipant
		if err := rows.Scan(&p.RoundID, &p.UserID, &p.Stake, &p.WonAmount, &p.Winner); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *SQLStore) JoinRound(roomID, roundID string, userID int64, stake int64, maxParticipants int) (*JoinResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM rooms WHERE room_id = $1 FOR UPDATE`, roomID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if status != models.RoomStatusWaiting {
		return nil, ErrRoomNotJoinable
	}

	var roundPK int64
	err = tx.QueryRowContext(ctx, `
        SELECT id FROM rounds
        WHERE round_id = $1 AND completed_at IS NULL AND archived_at IS NULL
        FOR UPDATE
    `, roundID).Scan(&roundPK)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRoomNotJoinable
		}
		return nil, err
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE round_id = $1`, roundID).Scan(&count); err != nil {
		return nil, err
	}
	if count >= maxParticipants {
		return nil, ErrRoomNotJoinable
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE round_id = $1 AND user_id = $2`,
		roundID, userID).Scan(&dup); err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, ErrRoomNotJoinable
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM players WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if balance < stake {
		return nil, ErrInsufficientBalance
	}
	balance -= stake
	if _, err := tx.ExecContext(ctx,
		`UPDATE players SET balance = $1, updated_at = CURRENT_TIMESTAMP WHERE user_id = $2`,
		balance, userID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (round_id, user_id, stake) VALUES ($1, $2, $3)`,
		roundID, userID, stake); err != nil {
		return nil, err
	}

	var pool int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(stake), 0) FROM participants WHERE round_id = $1`,
		roundID).Scan(&pool); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &JoinResult{Participants: count + 1, PrizePool: pool, Balance: balance}, nil
}

func (s *SQLStore) LeaveRound(roundID string, userID int64) (*LeaveResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var roundPK int64
	err = tx.QueryRowContext(ctx, `
        SELECT id FROM rounds
        WHERE round_id = $1 AND completed_at IS NULL AND archived_at IS NULL
        FOR UPDATE
    `, roundID).Scan(&roundPK)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotAParticipant
		}
		return nil, err
	}

	var stake int64
	err = tx.QueryRowContext(ctx,
		`SELECT stake FROM participants WHERE round_id = $1 AND user_id = $2 FOR UPDATE`,
		roundID, userID).Scan(&stake)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotAParticipant
		}
		return nil, err
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM players WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		return nil, err
	}
	balance += stake
	if _, err := tx.ExecContext(ctx,
		`UPDATE players SET balance = $1, updated_at = CURRENT_TIMESTAMP WHERE user_id = $2`,
		balance, userID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM participants WHERE round_id = $1 AND user_id = $2`,
		roundID, userID); err != nil {
		return nil, err
	}

	var count int
	var pool int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(stake), 0) FROM participants WHERE round_id = $1`,
		roundID).Scan(&count, &pool); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &LeaveResult{Participants: count, PrizePool: pool, Stake: stake, Balance: balance}, nil
}

func (s *SQLStore) SettleRound(roundID string, entries []SettlementEntry, completedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var completed sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT completed_at FROM rounds WHERE round_id = $1 FOR UPDATE`, roundID).
		Scan(&completed)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		return err
	}
	if completed.Valid {
		return ErrRoundCompleted
	}

	for _, entry := range entries {
		res, err := tx.ExecContext(ctx, `
            UPDATE participants SET won_amount = $1, winner = $2
            WHERE round_id = $3 AND user_id = $4
        `, entry.Payout, entry.Winner, roundID, entry.UserID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotAParticipant
		}

		if entry.Payout > 0 {
			if _, err := tx.ExecContext(ctx, `
                UPDATE players SET balance = balance + $1, updated_at = CURRENT_TIMESTAMP
                WHERE user_id = $2
            `, entry.Payout, entry.UserID); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rounds SET completed_at = $1 WHERE round_id = $2`,
		completedAt, roundID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) LockRound(roundID string, lockedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        UPDATE rounds SET locked_at = $1
        WHERE round_id = $2 AND locked_at IS NULL
    `, lockedAt, roundID)
	return err
}

func (s *SQLStore) ArchiveRound(roundID string, archivedAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
        UPDATE rounds SET archived_at = $1
        WHERE round_id = $2 AND archived_at IS NULL
    `, archivedAt, roundID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) PurgeRound(roundID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        DELETE FROM rounds
        WHERE round_id = $1 AND completed_at IS NULL
          AND NOT EXISTS (SELECT 1 FROM participants WHERE round_id = $1)
    `, roundID)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
