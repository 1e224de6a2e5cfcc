package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/chunk"
	"github.com/Automattic/pushhub/internal/message"
	"github.com/Automattic/pushhub/internal/ratelimit"
	"github.com/Automattic/pushhub/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
)

const (
	pathLenMin = 1
	pathLenMax = 256
)

func newHandler(h *hub) http.Handler {
	handler := mux.NewRouter()

	// Route websocket requests
	handler.Path("/connect").MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return websocket.IsWebSocketUpgrade(r)
	}).Handler(newWsHandler(h))

	handler.Methods("GET").Path("/negotiate").HandlerFunc(h.negotiate)
	handler.Methods("GET").Path("/connect").HandlerFunc(h.connect)
	handler.Methods("GET").Path("/poll").Handler(gzhttp.GzipHandler(http.HandlerFunc(h.poll)))
	handler.Methods("POST").Path("/send").HandlerFunc(h.send)
	handler.Methods("POST").Path("/abort").HandlerFunc(h.abort)
	handler.Methods("POST").Path("/groups/{group}/{action:join|leave}").HandlerFunc(h.membership)
	handler.Methods("POST").Path("/groups/{group}/publish").Handler(gzhttp.GzipHandler(http.HandlerFunc(h.publishGroup)))
	handler.Methods("POST").Path("/publish/{topic:.+}").Handler(gzhttp.GzipHandler(http.HandlerFunc(h.publish)))

	// Any other GET is a topic page
	handler.Methods("GET").Path("/{topic:.+}").HandlerFunc(h.page)

	return handler
}

type negotiation struct {
	ConnectionID      string   `json:"connectionId"`
	KeepAliveTimeout  float64  `json:"keepAliveTimeout,omitempty"`
	DisconnectTimeout float64  `json:"disconnectTimeout"`
	LongPollDelay     int64    `json:"longPollDelay"`
	Transports        []string `json:"transports"`
}

// negotiate hands out a connection id and the timings clients need to
// detect a dead connection on their side.
func (h *hub) negotiate(w http.ResponseWriter, r *http.Request) {
	n := negotiation{
		ConnectionID:      uuid.NewString(),
		DisconnectTimeout: h.cfg.Heartbeat.DisconnectTimeout.Std().Seconds(),
		LongPollDelay:     h.cfg.Transport.LongPollDelay.Std().Milliseconds(),
		Transports: []string{
			transport.NameWebSockets,
			transport.NameServerSentEvents,
			transport.NameLongPolling,
		},
	}
	if ka := h.cfg.Heartbeat.KeepAlive.Std(); ka > 0 {
		n.KeepAliveTimeout = ka.Seconds()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(n)
}

// connect opens a streaming connection, or the first poll of a long
// polling one.
func (h *hub) connect(w http.ResponseWriter, r *http.Request) {
	req, ok := parseRequest(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("transport")
	if name != transport.NameServerSentEvents && name != transport.NameLongPolling {
		sendBadRequestError(w, fmt.Sprintf("Transport must be %s or %s.",
			transport.NameServerSentEvents, transport.NameLongPolling))
		return
	}

	conn, err := h.manager.Open(req)
	if err != nil {
		h.openFailed(w, err)
		return
	}

	ctx := r.Context()
	opts := h.manager.Options()
	if name == transport.NameLongPolling {
		err = h.manager.Poll(ctx, conn, transport.NewLongPolling(ctx, w, conn, opts), true)
	} else {
		err = h.manager.Stream(ctx, conn, transport.NewServerSentEvents(ctx, w, conn, opts))
	}
	h.served(w, conn, err)
}

// poll continues a long polling connection. A connection the server no
// longer knows is opened again from the client's tokens.
func (h *hub) poll(w http.ResponseWriter, r *http.Request) {
	req, ok := parseRequest(w, r)
	if !ok {
		return
	}
	if req.ConnectionID == "" {
		sendBadRequestError(w, "Missing connectionId.")
		return
	}

	conn, found := h.manager.Lookup(req.ConnectionID)
	if found {
		h.manager.Resume(conn, req.Token)
	} else {
		var err error
		if conn, err = h.manager.Open(req); err != nil {
			h.openFailed(w, err)
			return
		}
	}

	ctx := r.Context()
	t := transport.NewLongPolling(ctx, w, conn, h.manager.Options())
	h.served(w, conn, h.manager.Poll(ctx, conn, t, false))
}

// send reads CRLF-delimited records from a streaming body.
func (h *hub) send(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.lookup(w, r)
	if !ok {
		return
	}
	err := h.manager.Receive(r.Context(), conn, r.Body)
	switch {
	case err == nil:
		w.Write([]byte("OK\n"))
	case errors.Is(err, transport.ErrRateLimited):
		http.Error(w, "Error: too many messages.", http.StatusTooManyRequests)
	case errors.Is(err, transport.ErrInvalidRecord), errors.Is(err, chunk.ErrRecordTooLarge):
		sendBadRequestError(w, err.Error())
	default:
		h.logger.Warn("send_failed", slog.String("connection_id", conn.ID()), slog.String("error", err.Error()))
		http.Error(w, "Error: unable to publish.", http.StatusInternalServerError)
	}
}

func (h *hub) abort(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("connectionId")
	if err := h.manager.Abort(id); err != nil {
		h.commandFailed(w, err)
		return
	}
	w.Write([]byte("OK\n"))
}

// membership adds a connection to a group or removes it. The change
// reaches the client with its next envelope.
func (h *hub) membership(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	group := vars["group"]
	if !validateRequest(w, group) {
		return
	}
	id := r.URL.Query().Get("connectionId")

	var err error
	if vars["action"] == "join" {
		err = h.manager.AddToGroup(id, group)
	} else {
		err = h.manager.RemoveFromGroup(id, group)
	}
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	w.Write([]byte("OK\n"))
}

func (h *hub) publish(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if !validateRequest(w, topic) {
		return
	}
	key, err := bus.TopicKey(topic)
	if err != nil {
		sendBadRequestError(w, "Topic names starting with conn. or group. are reserved.")
		return
	}
	h.publishBody(w, r, key)
}

func (h *hub) publishGroup(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	if !validateRequest(w, group) {
		return
	}
	h.publishBody(w, r, bus.GroupKey(group))
}

func (h *hub) publishBody(w http.ResponseWriter, r *http.Request, key string) {
	if !h.limiter.Allow(ratelimit.HostKey(r.RemoteAddr)) {
		h.metrics.Mark("drops", 1)
		http.Error(w, "Error: too many messages.", http.StatusTooManyRequests)
		return
	}
	limit := int64(h.cfg.Transport.MaxRecordSize)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		sendBadRequestError(w, "Unable to read POST body.")
		return
	}
	if int64(len(body)) > limit {
		sendBadRequestError(w, "POST body is too large.")
		return
	}

	value := message.Encodable(string(body))
	if json.Valid(body) {
		value = message.PreEncoded(body)
	}
	seq, err := h.bus.Publish(&message.Message{Key: key, Value: value})
	if err != nil {
		h.logger.Error("publish_failed", slog.String("key", key), slog.String("error", err.Error()))
		http.Error(w, "Error: unable to publish.", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\"seq\":%d}\n", seq)
}

func (h *hub) page(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if !validateRequest(w, topic) {
		return
	}
	webTemplate.Execute(w, templateArgs{Topic: topic})
}

// parseRequest reads the connection parameters shared by connect and poll.
func parseRequest(w http.ResponseWriter, r *http.Request) (transport.Request, bool) {
	q := r.URL.Query()
	req := transport.Request{
		ConnectionID: q.Get("connectionId"),
		Topics:       q["topic"],
		Token:        q.Get("token"),
		GroupsToken:  q.Get("groupsToken"),
	}
	for _, topic := range req.Topics {
		if !validateRequest(w, topic) {
			return req, false
		}
	}
	return req, true
}

func (h *hub) lookup(w http.ResponseWriter, r *http.Request) (*transport.Connection, bool) {
	id := r.URL.Query().Get("connectionId")
	conn, ok := h.manager.Lookup(id)
	if !ok {
		http.Error(w, "Error: unknown connection.", http.StatusNotFound)
	}
	return conn, ok
}

func (h *hub) openFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transport.ErrInvalidTopic):
		sendBadRequestError(w, "Topic names starting with conn. or group. are reserved.")
	case errors.Is(err, transport.ErrShuttingDown):
		http.Error(w, "Error: server is shutting down.", http.StatusServiceUnavailable)
	default:
		h.logger.Error("connection_open_failed", slog.String("error", err.Error()))
		http.Error(w, "Error: unable to connect.", http.StatusInternalServerError)
	}
}

// served reports how a transport ended. Once the transport has written
// its headers only a refused start can still become an HTTP error.
func (h *hub) served(w http.ResponseWriter, conn *transport.Connection, err error) {
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrShuttingDown):
		http.Error(w, "Error: server is shutting down.", http.StatusServiceUnavailable)
	default:
		h.logger.Info("connection_ended",
			slog.String("connection_id", conn.ID()),
			slog.String("error", err.Error()))
	}
}

func (h *hub) commandFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, transport.ErrUnknownConn) {
		sendBadRequestError(w, "Missing connectionId.")
		return
	}
	h.logger.Error("command_failed", slog.String("error", err.Error()))
	http.Error(w, "Error: unable to publish.", http.StatusServiceUnavailable)
}

func validateRequest(w http.ResponseWriter, name string) bool {
	if !utf8.ValidString(name) {
		sendBadRequestError(w, "Path must be valid Unicode (UTF-8).")
		return false
	}
	nameLen := utf8.RuneCountInString(name)
	if !(pathLenMin <= nameLen && nameLen <= pathLenMax) {
		sendBadRequestError(w, fmt.Sprintf(
			"Path length must be %d-%d Unicode characters (UTF-8).",
			pathLenMin, pathLenMax))
		return false
	}
	return true
}

func sendBadRequestError(w http.ResponseWriter, str string) {
	http.Error(w,
		fmt.Sprintf("Error: bad request. %s", str),
		http.StatusBadRequest)
}

type templateArgs struct {
	Topic string
}

var webTemplate = template.Must(template.New("webTemplate").Parse(`
<html>
<head>
<title>pushhub {{.Topic}}</title>
<script type="text/javascript">
    window.addEventListener("load", function() {

    var log = document.getElementById("log");
    var form = document.getElementById("form");
    var msg = document.getElementById("msg");
    var topic = {{.Topic}};
    var token = "";

    function appendLog(text, bold) {
        var doScroll = log.scrollTop == log.scrollHeight - log.clientHeight;
        var d = document.createElement("div");
        if (bold) {
            var b = document.createElement("b");
            b.textContent = text;
            d.appendChild(b);
        } else {
            d.textContent = text;
        }
        log.appendChild(d);
        if (doScroll) {
            log.scrollTop = log.scrollHeight - log.clientHeight;
        }
    }

    function connect() {
        var url = "/connect?transport=serverSentEvents&topic=" + encodeURIComponent(topic);
        if (token) {
            url += "&token=" + encodeURIComponent(token);
        }
        var source = new EventSource(url);
        source.onmessage = function(evt) {
            if (evt.data == "initialized") {
                return;
            }
            var env = JSON.parse(evt.data);
            if (!env.C) {
                return;
            }
            token = env.C;
            (env.M || []).forEach(function(m) {
                appendLog(JSON.stringify(m));
            });
            if (env.T) {
                source.close();
                appendLog("Reconnecting.", true);
                setTimeout(connect, 1000);
            }
        };
        source.onerror = function() {
            source.close();
            appendLog("Connection closed.", true);
            setTimeout(connect, 1000);
        };
    }

    form.addEventListener("submit", function(evt) {
        evt.preventDefault();
        if (!msg.value) {
            return;
        }
        fetch("/publish/" + encodeURIComponent(topic), {method: "POST", body: msg.value});
        msg.value = "";
    });

    if (window["EventSource"]) {
        connect();
        msg.focus();
    } else {
        appendLog("Your browser does not support server-sent events.", true);
    }
    });
</script>
<style type="text/css">
html {
    overflow: hidden;
}

body {
    overflow: hidden;
    padding: 0.5em;
    margin: 0;
    width: 100%;
    height: 100%;
    background: gray;
}

#log {
    background: white;
    margin: 0;
    padding: 0.5em 0.5em 0.5em 0.5em;
    position: absolute;
    top: 2.0em;
    left: 0.5em;
    right: 0.5em;
    bottom: 3em;
    overflow: auto;
}

#form {
    padding: 0 0.5em 0 0.5em;
    margin: 0;
    position: absolute;
    bottom: 0.5em;
    left: 0px;
    width: 100%;
    overflow: hidden;
}

</style>
</head>
<body>
<h3>Event stream for {{.Topic}}</h3>
<div id="log"></div>
<form id="form">
    <input type="submit" value="Send" />
    <input type="text" id="msg" size="64"/>
</form>
</body>
</html>
`))
