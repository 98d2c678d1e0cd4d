package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	MsgTypeJoinRoom      = 101
	MsgTypeLeaveRoom     = 102
	MsgTypeRoomSnapshot  = 103
	MsgTypeWatchRoom     = 104
	MsgTypeAnimationDone = 203
)

// send formats and sends a message to the WebSocket server.
func send(c *websocket.Conn, msgID uint16, data []byte) error {
	packet := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(packet[0:2], msgID)
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(data)))
	copy(packet[4:], data)

	return c.WriteMessage(websocket.BinaryMessage, packet)
}

func roomMsg(c *websocket.Conn, msgID uint16, roomID string) error {
	data, _ := json.Marshal(map[string]string{"room_id": roomID})
	return send(c, msgID, data)
}

// mintToken signs a local development token with the same shared secret
// the server verifies against.
func mintToken(secret string, userID string, name string) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": name,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("Token signing failed: %v", err)
	}
	return signed
}

func main() {
	host := flag.String("host", "localhost:8080", "server address")
	secret := flag.String("secret", "dev-secret", "shared JWT secret")
	userID := flag.String("user", "1", "numeric user ID")
	name := flag.String("name", "tester", "display name")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	q := u.Query()
	q.Set("token", mintToken(*secret, *userID, *name))
	u.RawQuery = q.Encode()
	log.Printf("Connecting to %s", u.Host)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			if len(message) < 4 {
				log.Printf("Received invalid packet of size %d", len(message))
				continue
			}
			msgID := binary.BigEndian.Uint16(message[0:2])
			data := message[4:]
			log.Printf("<- RECV (ID: %d): %s", msgID, string(data))
		}
	}()

	log.Println("Commands: watch <room>, join <room>, leave <room>, snap <room>, done <room>")

	// Write loop
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		default:
			text, _ := reader.ReadString('\n')
			fields := strings.Fields(text)
			if len(fields) != 2 {
				continue
			}
			cmd, roomID := fields[0], fields[1]

			var sendErr error
			switch cmd {
			case "watch":
				sendErr = roomMsg(c, MsgTypeWatchRoom, roomID)
			case "join":
				sendErr = roomMsg(c, MsgTypeJoinRoom, roomID)
			case "leave":
				sendErr = roomMsg(c, MsgTypeLeaveRoom, roomID)
			case "snap":
				sendErr = roomMsg(c, MsgTypeRoomSnapshot, roomID)
			case "done":
				sendErr = roomMsg(c, MsgTypeAnimationDone, roomID)
			default:
				log.Printf("Unknown command %q", cmd)
			}
			if sendErr != nil {
				log.Println("Write error:", sendErr)
				return
			}
		}
	}
}
