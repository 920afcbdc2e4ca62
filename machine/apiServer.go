package machine

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/tlsLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

/*
curl -k -u admin:pass https://127.0.0.1:48345/api/outbounds
curl -k -u admin:pass -X PUT 'https://127.0.0.1:48345/api/select?group=proxy&name=ss1'
*/

const (
	DefaultApiServerAddr = "127.0.0.1:48345"
	DefaultPathPrefix    = "/api"

	eIllegalParameter = "illegal parameter"
)

// TryRunApiServer 非阻塞. 运行期间 ApiServerRunning 为 true.
func (m *M) TryRunApiServer() {
	m.ApiServerRunning.Store(true)
	go m.runApiServer()
}

// Handler 返回 apiServer 的 全部路由, 已包含 basic auth.
func (m *M) Handler() http.Handler {
	ser := newApiServer("admin", m.AdminPass)
	ser.PathPrefix = m.PathPrefix
	if ser.PathPrefix == "" {
		ser.PathPrefix = DefaultPathPrefix
	}

	mux := http.NewServeMux()

	failBadRequest := func(e error, eInfo string, w http.ResponseWriter) {
		if ce := utils.CanLogWarn(eInfo); ce != nil {
			ce.Write(zap.Error(e))
		}
		http.Error(w, eInfo+": "+e.Error(), http.StatusBadRequest)
	}

	ser.addServerHandle(mux, "allstate", func(w http.ResponseWriter, r *http.Request) {
		m.PrintAllState(w)
	})

	ser.addServerHandle(mux, "outbounds", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Outbounds())
	})

	ser.addServerHandle(mux, "select", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if e := r.ParseForm(); e != nil {
			failBadRequest(e, "api server ParseForm failed", w)
			return
		}
		group, name := r.Form.Get("group"), r.Form.Get("name")
		if group == "" || name == "" {
			failBadRequest(utils.ErrWrongParameter, eIllegalParameter, w)
			return
		}

		if ce := utils.CanLogInfo("api server got select request"); ce != nil {
			ce.Write(zap.String("group", group), zap.String("name", name))
		}
		if e := m.Select(group, name); e != nil {
			if proxy.KindOf(e) == proxy.ErrKindInvalidInput {
				failBadRequest(e, "select failed", w)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("selected " + name + " for " + group))
	})

	return mux
}

// 阻塞
func (m *M) runApiServer() {
	defer m.ApiServerRunning.Store(false)

	addr := m.Addr
	if addr == "" {
		addr = DefaultApiServerAddr
	}
	scheme := "https://"
	if m.PlainHttp {
		scheme = "http://"
	}
	utils.Info("Start Api Server at " + scheme + strings.TrimPrefix(addr, scheme))

	srv := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var err error
	if m.PlainHttp {
		err = srv.ListenAndServe()
	} else {
		if m.CertFile == "" || m.KeyFile == "" {
			utils.Warn("api server will use tls but key or cert file not provided, use random cert instead")

			host, _, _ := net.SplitHostPort(addr)
			certs, e := tlsLayer.GenerateRandomTLSCert(host)
			if e != nil {
				if ce := utils.CanLogErr("api server generate cert failed"); ce != nil {
					ce.Write(zap.Error(e))
				}
				return
			}
			srv.TLSConfig = &tls.Config{Certificates: certs} //curl -k
		}
		err = srv.ListenAndServeTLS(m.CertFile, m.KeyFile)
	}
	if ce := utils.CanLogWarn("api server stopped"); ce != nil {
		ce.Write(zap.Error(err))
	}
}

type auth struct {
	expectedUsernameHash [32]byte
	expectedPasswordHash [32]byte
}

type apiServer struct {
	admin_auth auth
	nopass     bool
	PathPrefix string
}

func newApiServer(user, pass string) *apiServer {
	s := new(apiServer)

	if pass != "" {
		s.admin_auth.expectedUsernameHash = sha256.Sum256([]byte(user))
		s.admin_auth.expectedPasswordHash = sha256.Sum256([]byte(pass))
	} else {
		s.nopass = true
	}
	return s
}

func (ser *apiServer) addServerHandle(mux *http.ServeMux, name string, f func(w http.ResponseWriter, r *http.Request)) {
	mux.HandleFunc(ser.PathPrefix+"/"+name, ser.basicAuth(f))
}

func (ser *apiServer) basicAuth(realfunc http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		doFunc := func() {
			if ce := utils.CanLogInfo("api server got new request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("requestURL", r.RequestURI),
				)
			}
			realfunc.ServeHTTP(w, r)
		}

		if ser.nopass {
			doFunc()
			return
		}

		thisun, thispass, ok := r.BasicAuth()
		if ok {
			usernameHash := sha256.Sum256([]byte(thisun))
			passwordHash := sha256.Sum256([]byte(thispass))

			usernameMatch := (subtle.ConstantTimeCompare(usernameHash[:], ser.admin_auth.expectedUsernameHash[:]) == 1)
			passwordMatch := (subtle.ConstantTimeCompare(passwordHash[:], ser.admin_auth.expectedPasswordHash[:]) == 1)

			if usernameMatch && passwordMatch {
				doFunc()
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
