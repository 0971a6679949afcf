package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"sync"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mastercactapus/eraser/motion"
	"github.com/mastercactapus/eraser/program"
	"github.com/mastercactapus/eraser/stepper"
)

type api struct {
	http.Handler
	m        Machine
	ctx      context.Context
	exit     func()
	sse      *sse.Server
	upgrader websocket.Upgrader
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type goRequest struct {
	Axis    string  `json:"axis"`
	Steps   float64 `json:"steps"`
	Reverse bool    `json:"reverse"`
	Speed   float64 `json:"speed"`
}

// newAPI serves m. Commands run under ctx, and exit is called once the
// response to an exit action has been written.
func newAPI(ctx context.Context, m Machine, exit func()) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		m:       m,
		ctx:     ctx,
		exit:    exit,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
	}

	r.HandleFunc("/action/{action}", a.action).Methods("GET", "POST")
	r.HandleFunc("/api/go", a.goAxis).Methods("POST")
	r.HandleFunc("/api/run", a.run).Methods("POST")
	r.HandleFunc("/api/state", a.state).Methods("GET")
	r.HandleFunc("/api/program/{name}", a.program).Methods("GET")
	r.HandleFunc("/ws", a.ws)
	r.PathPrefix("/events/").Handler(a.sse)

	go func() {
		for state := range m.State() {
			data, err := json.Marshal(state)
			if err != nil {
				log.Printf("ERROR: marshal json: %+v", err)
				continue
			}
			a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
		}
	}()

	return a
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func statusCode(err error) int {
	var vErr *stepper.ValidationError
	switch {
	case errors.Is(err, motion.ErrBusy), errors.Is(err, stepper.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, motion.ErrUnknownAxis), errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrNotCalibrated):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

var errUnknownAction = errors.New("unknown action")

// do runs a named action and returns the message for the operator.
func (a *api) do(action string) (string, error) {
	var err error
	switch action {
	case "reset":
		err = a.m.Reset(a.ctx)
	case "manual":
		err = a.m.Manual(a.ctx)
	case "full":
		err = a.m.FullSweep(a.ctx)
	case "up", "down", "left", "right":
		err = a.m.Jog(a.ctx, action)
	case "stop":
		a.m.Stop()
	case "exit":
		return "Server is shutting down.", nil
	default:
		return "", fmt.Errorf("%w %q", errUnknownAction, action)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Action %q executed successfully.", action), nil
}

func (a *api) action(w http.ResponseWriter, req *http.Request) {
	action := mux.Vars(req)["action"]
	msg, err := a.do(action)
	if errors.Is(err, errUnknownAction) {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Message: err.Error()})
		return
	}
	if err != nil {
		log.Printf("ERROR: action %s: %+v", action, err)
		writeJSON(w, statusCode(err), response{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "success", Message: msg})
	if action == "exit" && a.exit != nil {
		go a.exit()
	}
}

func (a *api) goAxis(w http.ResponseWriter, req *http.Request) {
	var r goRequest
	err := json.NewDecoder(req.Body).Decode(&r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Speed == 0 {
		r.Speed = 1
	}
	err = a.m.Go(a.ctx, r.Axis, r.Steps, r.Reverse, r.Speed)
	if err != nil {
		log.Printf("ERROR: go %s: %+v", r.Axis, err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	writeJSON(w, http.StatusOK, a.m.CurrentState())
}

func (a *api) run(w http.ResponseWriter, req *http.Request) {
	data, err := ioutil.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	blocks, err := program.Parse(string(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.m.Run(a.ctx, blocks)
	if err != nil {
		log.Printf("ERROR: run: %+v", err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	writeJSON(w, http.StatusOK, a.m.CurrentState())
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, a.m.CurrentState())
}

func (a *api) program(w http.ResponseWriter, req *http.Request) {
	blocks, err := a.m.Program(mux.Vars(req)["name"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, err = io.Copy(w, program.NewBuffer(&program.BlocksReader{Blocks: blocks}))
	if err != nil {
		log.Println("ERROR: write program:", err)
	}
}

type wsAction struct {
	Action string `json:"action"`
}

// ws is the jog pad socket. Each {"action": ...} message is answered with a
// response once the action completes; a stop is handled while another
// action is still running.
func (a *api) ws(w http.ResponseWriter, req *http.Request) {
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("ERROR: websocket upgrade: %+v", err)
		return
	}
	defer conn.Close()

	var wMx sync.Mutex
	reply := func(r response) {
		wMx.Lock()
		defer wMx.Unlock()
		if err := conn.WriteJSON(r); err != nil {
			log.Printf("ERROR: websocket write: %+v", err)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var msg wsAction
		err := conn.ReadJSON(&msg)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ERROR: websocket read: %+v", err)
			}
			return
		}
		wg.Add(1)
		go func(action string) {
			defer wg.Done()
			text, err := a.do(action)
			if err != nil {
				reply(response{Status: "error", Message: err.Error()})
				return
			}
			reply(response{Status: "success", Message: text})
			if action == "exit" && a.exit != nil {
				a.exit()
			}
		}(msg.Action)
	}
}
