package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastercactapus/eraser/config"
	"github.com/mastercactapus/eraser/hw"
	"github.com/mastercactapus/eraser/motion"
	"github.com/mastercactapus/eraser/pump"
)

func main() {
	log.SetFlags(log.Lshortfile)

	cfgPath := flag.String("config", "motors.json", "Path to the rig config file.")
	addr := flag.String("addr", ":9091", "Address to bind the eraser server to.")
	simulate := flag.Bool("sim", false, "Run against a simulated rig instead of GPIO.")
	flag.Parse()

	f, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	var src hw.PinSource
	if *simulate {
		src = simRig(f)
	} else {
		src, err = hw.Host()
		if err != nil {
			log.Fatal(err)
		}
	}
	h := hw.Open(src, nil)
	defer h.Close()

	axes, err := f.OpenAxes(h, nil)
	if err != nil {
		log.Fatal(err)
	}
	drivers := make(map[string]motion.Driver, len(axes))
	for name, a := range axes {
		if !a.Calibration().Valid() {
			log.Printf("axis %s is not calibrated, moves will be rejected", name)
		}
		drivers[name] = a
	}

	var p pump.Pump
	if *simulate && f.Pump != nil && f.Pump.Serial != "" {
		p, err = pump.NewRelay(logWriter("relay"), f.Pump.Channel)
	} else {
		p, err = f.OpenPump(h)
	}
	if err != nil {
		log.Fatal(err)
	}
	if c, ok := p.(interface{ Close() error }); ok {
		defer c.Close()
	}

	m := motion.NewMachine(drivers, p, motion.DefaultOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{Addr: *addr}
	shutdown := func() {
		log.Println("shutting down")
		m.Stop()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		err := srv.Shutdown(sctx)
		if err != nil {
			log.Printf("ERROR: shutdown: %+v", err)
		}
	}

	api := newAPI(ctx, m, shutdown)
	srv.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		log.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
		api.ServeHTTP(w, req)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		shutdown()
	}()

	log.Printf("listening on %s", *addr)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}

	// leave the head free to move by hand
	cancel()
	err = m.Manual(context.Background())
	if err != nil {
		log.Printf("ERROR: manual: %+v", err)
	}
}
