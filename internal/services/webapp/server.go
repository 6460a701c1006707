package webapp

import (
	"database/sql"
	"io/fs"
	"net/http"
	"strings"

	sqliteadapter "whisper-wa/internal/adapters/store/sqlite"
	"whisper-wa/internal/services/workflow"
)

// Server 是内置 API 的运行时对象。
type Server struct {
	opts   Options
	db     *sql.DB
	store  *sqliteadapter.Store
	runner *workflow.Runner

	ui fs.FS
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// API
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/device/devices", s.handleDevices)
	mux.HandleFunc("/api/device/connect", s.handleConnect)
	mux.HandleFunc("/api/acquisition/run", s.handleAcquisitionRun)
	mux.HandleFunc("/api/workflow/run", s.handleWorkflowRun)
	mux.HandleFunc("/api/index/build", s.handleIndexBuild)
	mux.HandleFunc("/api/cases", s.handleCases)
	mux.HandleFunc("/api/cases/", s.handleCaseRoutes)

	// UI（静态占位页）
	// 规则与先前版本一致：
	// - 先按路径返回静态文件
	// - 缺失且无扩展名的路径回落 index.html
	// - 缺失的静态资源（有扩展名）返回 404
	uiFileServer := http.FileServer(http.FS(s.ui))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUI(w, r, uiFileServer)
	})
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request, uiFileServer http.Handler) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// "/" 直接交给 FileServer，它会自动尝试目录下的 index.html。
	// 不要改写到 /index.html：FileServer 会把它规范化重定向回 "./"，造成 301 循环。
	if r.URL.Path == "/" || r.URL.Path == "" {
		uiFileServer.ServeHTTP(w, r)
		return
	}

	reqPath := strings.TrimPrefix(r.URL.Path, "/")
	if reqPath != "" {
		if info, err := fs.Stat(s.ui, reqPath); err == nil && !info.IsDir() {
			uiFileServer.ServeHTTP(w, r)
			return
		}
	}

	if strings.Contains(reqPath, ".") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	uiFileServer.ServeHTTP(w, r2)
}
