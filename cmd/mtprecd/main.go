// Command mtprecd is the thin host-side daemon: it owns the libusb
// context, polls for a recorder device by vendor id (the enumeration
// step spec.md §1 calls out as the host's job, not the core's), hands
// it to a supervisor.Supervisor, and serves progress/toast
// events over a websocket for a GUI shell to consume.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gousb"

	"github.com/choongmanee/mtprecd/chunksink"
	log "github.com/choongmanee/mtprecd/internal/mlog"
	"github.com/choongmanee/mtprecd/mtp"
	"github.com/choongmanee/mtprecd/observer"
	"github.com/choongmanee/mtprecd/supervisor"
)

func main() {
	addr := flag.String("listen", ":8642", "address to serve the websocket observer on")
	chunkDir := flag.String("chunk-dir", "./chunks", "directory the reference chunk sink writes audio chunks to")
	pollInterval := flag.Duration("poll", 2*time.Second, "how often to scan for newly attached devices")
	flag.Parse()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	hub := observer.NewWSHub()
	sink, err := chunksink.NewFileSink(*chunkDir)
	if err != nil {
		log.Supervisor.WithError(err).Fatal("could not create chunk sink directory")
	}

	sv := supervisor.New(supervisor.Options{}, supervisor.NullStore{}, hub)

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		serial := r.URL.Query().Get("serial")
		handle, err := strconv.ParseUint(r.URL.Query().Get("handle"), 10, 32)
		if err != nil {
			http.Error(w, "bad handle", http.StatusBadRequest)
			return
		}
		if err := sv.Download(r.Context(), serial, uint32(handle), sink); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Supervisor.WithError(err).Fatal("websocket server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	known := map[string]bool{}
	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	log.Supervisor.WithField("addr", *addr).Info("mtprecd listening")

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			scanForDevices(ctx, usbCtx, sv, known, sink)
		}
	}
}

// scanForDevices opens the first attached recorder matching
// mtp.VendorID and runs Connect on it. It does not skip a device that
// is already tracked: the serial number is only known after Connect,
// and known only keeps "new recorder connected" from being logged
// twice for the same serial. A real host integration would instead
// react to OS-level hotplug notifications.
func scanForDevices(ctx context.Context, usbCtx *gousb.Context, sv *supervisor.Supervisor, known map[string]bool, sink *chunksink.FileSink) {
	for _, serial := range sv.Devices() {
		known[serial] = true
	}

	t, err := mtp.NewGousbTransport(usbCtx, gousb.ID(mtp.VendorID))
	if err != nil {
		return
	}
	dev, err := sv.Connect(ctx, t)
	if err != nil {
		log.Supervisor.WithError(err).Warn("connect failed")
		return
	}
	if known[dev.Serial] {
		return
	}
	known[dev.Serial] = true
	log.Supervisor.WithField("serial", dev.Serial).Info("new recorder connected")
}
