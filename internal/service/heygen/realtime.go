package heygen

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnectionManager 按会话保存实时事件连接。
type ConnectionManager struct {
	connections map[string]*websocket.Conn
	mu          sync.RWMutex
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*websocket.Conn),
	}
}

// Add 添加连接；同一会话的旧连接会被关闭。
func (cm *ConnectionManager) Add(sessionID string, conn *websocket.Conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if old, exists := cm.connections[sessionID]; exists && old != conn {
		old.Close()
	}
	cm.connections[sessionID] = conn
}

// Get 获取连接
func (cm *ConnectionManager) Get(sessionID string) (*websocket.Conn, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, exists := cm.connections[sessionID]
	return conn, exists
}

// Remove closes and forgets the connection of a session.
func (cm *ConnectionManager) Remove(sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn, exists := cm.connections[sessionID]; exists {
		conn.Close()
		delete(cm.connections, sessionID)
	}
}

// Len 当前连接数
func (cm *ConnectionManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// CloseAll 关闭所有连接
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for sessionID, conn := range cm.connections {
		conn.Close()
		delete(cm.connections, sessionID)
	}
}

// PoolOptions 实时连接池配置
type PoolOptions struct {
	ConnectionTimeout time.Duration // 握手超时
	ReadTimeout       time.Duration // 读取超时，收到 pong 时顺延
	WriteTimeout      time.Duration // 写入超时
	PingInterval      time.Duration // Ping 间隔
	MaxRetries        int           // 最大重试次数
	RetryDelay        time.Duration // 第 n 次重试前等待 n*RetryDelay
}

// DefaultPoolOptions 默认连接池选项
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		ConnectionTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      30 * time.Second,
		PingInterval:      30 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
	}
}

// ConnectionPool dials the realtime event sockets and keeps them alive with pings.
type ConnectionPool struct {
	manager *ConnectionManager
	options PoolOptions
	logger  zerolog.Logger
}

// NewConnectionPool 创建连接池
func NewConnectionPool(options PoolOptions, logger zerolog.Logger) *ConnectionPool {
	defaults := DefaultPoolOptions()
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = defaults.ReadTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaults.WriteTimeout
	}
	if options.PingInterval <= 0 {
		options.PingInterval = defaults.PingInterval
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = defaults.MaxRetries
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = defaults.RetryDelay
	}

	return &ConnectionPool{
		manager: NewConnectionManager(),
		options: options,
		logger:  logger,
	}
}

// Manager 获取连接管理器
func (cp *ConnectionPool) Manager() *ConnectionManager {
	return cp.manager
}

// ConnectWithRetry 带重试的连接建立。ping 循环随 ctx 结束。
func (cp *ConnectionPool) ConnectWithRetry(ctx context.Context, url string, header http.Header, sessionID string) (*websocket.Conn, error) {
	var lastErr error

	for i := 0; i < cp.options.MaxRetries; i++ {
		conn, err := cp.connect(ctx, url, header, sessionID)
		if err == nil {
			return conn, nil
		}

		lastErr = err
		cp.logger.Warn().Err(err).Str("sessionId", sessionID).Int("attempt", i+1).Msg("realtime dial failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		retryDelay := time.Duration(i+1) * cp.options.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d retries, last error: %w", cp.options.MaxRetries, lastErr)
}

func (cp *ConnectionPool) connect(ctx context.Context, url string, header http.Header, sessionID string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: cp.options.ConnectionTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(cp.options.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cp.options.ReadTimeout))
		return nil
	})

	cp.manager.Add(sessionID, conn)

	go cp.pingLoop(ctx, conn, sessionID)

	return conn, nil
}

// ExtendReadDeadline 收到业务消息后顺延读超时。
func (cp *ConnectionPool) ExtendReadDeadline(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(cp.options.ReadTimeout))
}

func (cp *ConnectionPool) pingLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(cp.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(cp.options.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				cp.logger.Debug().Err(err).Str("sessionId", sessionID).Msg("realtime ping failed")
				cp.manager.Remove(sessionID)
				return
			}
		}
	}
}

// Cleanup 清理连接池
func (cp *ConnectionPool) Cleanup() {
	cp.manager.CloseAll()
}
