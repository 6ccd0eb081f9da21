package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"pollbot-backend/voting"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Hub 管理WebSocket连接的中心，按投票ID分组
type Hub struct {
	clients    map[uint]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex
}

// Client 表示一个WebSocket客户端连接
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	pollID uint
}

// BroadcastMessage 定义广播消息的结构
type BroadcastMessage struct {
	PollID uint
	Data   []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有CORS请求，生产环境应限制
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 全局Hub实例
var (
	GlobalHub *Hub
	hubOnce   sync.Once
)

func init() {
	hubOnce.Do(func() {
		GlobalHub = &Hub{
			clients:    make(map[uint]map[*Client]bool),
			register:   make(chan *Client),
			unregister: make(chan *Client),
			broadcast:  make(chan *BroadcastMessage, 64),
		}
		go GlobalHub.run()
	})
}

// run 运行Hub处理循环
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.pollID]; !ok {
				h.clients[client.pollID] = make(map[*Client]bool)
			}
			h.clients[client.pollID][client] = true
			count := len(h.clients[client.pollID])
			h.mu.Unlock()
			log.Printf("新WebSocket客户端已连接 [Poll ID: %d, 连接数: %d]", client.pollID, count)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.pollID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.pollID)
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[message.PollID] {
				select {
				case client.send <- message.Data:
				default:
					// 客户端缓冲区已满，关闭连接
					close(client.send)
					delete(h.clients[message.PollID], client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket 处理某个投票的实时计票订阅
func HandleWebSocket(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("升级WebSocket连接失败: %v", err)
		return
	}

	client := &Client{
		hub:    GlobalHub,
		conn:   conn,
		send:   make(chan []byte, 256),
		pollID: pollID,
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// BroadcastTallyUpdate 把最新计票广播给关注该投票的所有客户端
func BroadcastTallyUpdate(tally voting.Tally) {
	payload := map[string]interface{}{
		"type": "TALLY_UPDATE",
		"data": tallyResponse(tally),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("序列化广播消息失败: %v", err)
		return
	}

	select {
	case GlobalHub.broadcast <- &BroadcastMessage{PollID: tally.PollID, Data: data}:
	default:
		log.Printf("WebSocket广播通道已满，丢弃更新 [Poll ID: %d]", tally.PollID)
	}
}

// 客户端读取循环，只消费ping并探测断连
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket读取错误: %v", err)
			}
			break
		}
	}
}

// 客户端写入循环
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
