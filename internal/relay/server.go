package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server 下游 WebSocket 入口
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	srv      *http.Server
	addr     string
}

// NewServer 创建服务器；addr 形如 ":8090"
func NewServer(addr string, hub *Hub) *Server {
	s := &Server{
		hub:  hub,
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 仅监听本地，放行所有来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler 路由四种报告路径
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, r := range []Report{ReportPriceFeed, ReportUserData, ReportOrder, ReportAllOrders} {
		mux.HandleFunc("/"+string(r), s.serveWS)
	}
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest(r.URL.Path, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("WebSocket 升级失败")
		return
	}

	if err := s.hub.Join(r.Context(), req, conn); err != nil {
		log.Warn().Err(err).Str("topic", req.TopicKey()).Msg("加入中继失败")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

// Start 监听并在后台服务，返回实际端口
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", s.addr, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	log.Info().Int("port", port).Msg("启动下游中继服务器")

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("下游中继服务器异常退出")
		}
	}()
	return port, nil
}

// Shutdown 停止接受新连接并断开现有客户端
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.hub.Close()
	return err
}
