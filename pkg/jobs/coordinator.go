package jobs

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/config"
)

const (
	writeTimeout = 10 * time.Second
	// handshakeTimeout bounds each step of the trust handshake.
	handshakeTimeout = 15 * time.Second
)

// trackedJob is one authorized worker session.
type trackedJob struct {
	data      JobData
	startTime time.Time
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (j *trackedJob) send(m Message) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	j.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return j.conn.WriteJSON(m)
}

// Coordinator is the jobs daemon. Workers dial in over websocket, pass the
// trust handshake, register their job, and stay attached until done. The
// coordinator may abort any authorized job at any time.
type Coordinator struct {
	cfg config.JobsConfig
	log *logrus.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	jobs map[string]*trackedJob
}

// NewCoordinator builds the daemon.
func NewCoordinator(cfg config.JobsConfig, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are backend services; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		jobs: make(map[string]*trackedJob),
	}
}

// ServeHTTP upgrades the connection and runs one worker session to
// completion.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	job, ok := c.handshake(conn)
	if !ok {
		return
	}
	c.serve(job)
}

// handshake runs the mutual authentication sequence. The server presents
// its trust key first; the client proves knowledge of the service password
// only after verifying the key against its configured hash.
func (c *Coordinator) handshake(conn *websocket.Conn) (*trackedJob, bool) {
	write := func(m Message) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(m); err != nil {
			c.log.WithError(err).Debug("handshake write failed")
			return false
		}
		return true
	}
	read := func() (Message, bool) {
		var m Message
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		if err := conn.ReadJSON(&m); err != nil {
			c.log.WithError(err).Debug("handshake read failed")
			return Message{}, false
		}
		return m, true
	}

	if !write(Message{Action: ActionTrustKey, Payload: c.cfg.ServerTrustKey}) {
		return nil, false
	}

	m, ok := read()
	if !ok || m.Action != ActionPassword || m.Payload != c.cfg.ServicePassword {
		c.log.Warn("worker failed password check")
		return nil, false
	}
	if !write(Message{Action: ActionAuthorized}) {
		return nil, false
	}

	m, ok = read()
	if !ok || m.Action != ActionJobData || m.Job == nil {
		c.log.Warn("worker sent no job data")
		return nil, false
	}
	if err := m.Job.Validate(); err != nil {
		c.log.WithError(err).Warn("worker sent invalid job data")
		return nil, false
	}

	job := c.register(*m.Job, conn)
	if !write(Message{Action: ActionJobDataReceived}) {
		c.unregister(job)
		return nil, false
	}
	return job, true
}

// register tracks the job. Re-registration of the same key is an upsert
// that keeps the original start time.
func (c *Coordinator) register(data JobData, conn *websocket.Conn) *trackedJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := data.Key()
	if existing, ok := c.jobs[key]; ok {
		existing.conn = conn
		return existing
	}
	job := &trackedJob{data: data, startTime: time.Now(), conn: conn}
	c.jobs[key] = job
	c.log.WithField("job", key).Info("job registered")
	return job
}

func (c *Coordinator) unregister(job *trackedJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.jobs[job.data.Key()]; ok && current == job {
		delete(c.jobs, job.data.Key())
	}
}

// serve drains worker messages until the session ends.
func (c *Coordinator) serve(job *trackedJob) {
	defer c.unregister(job)
	key := job.data.Key()

	for {
		var m Message
		job.conn.SetReadDeadline(time.Time{})
		if err := job.conn.ReadJSON(&m); err != nil {
			c.log.WithField("job", key).WithError(err).Warn("worker disconnected")
			return
		}

		switch m.Action {
		case ActionAborting:
			c.log.WithField("job", key).Info("worker acknowledged abort")
		case ActionDone:
			c.log.WithFields(logrus.Fields{"job": key, "status": m.Payload}).Info("job finished")
			job.send(Message{Action: ActionGoodbye})
			return
		default:
			c.log.WithFields(logrus.Fields{"job": key, "action": m.Action}).Warn("unexpected worker message")
		}
	}
}

// Abort tells the worker holding the job to unwind. Unknown keys are a
// no-op.
func (c *Coordinator) Abort(key string) {
	c.mu.Lock()
	job, ok := c.jobs[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.WithField("job", key).Warn("aborting job")
	if err := job.send(Message{Action: ActionAbort}); err != nil {
		c.log.WithField("job", key).WithError(err).Error("abort send failed")
	}
}

// ActiveJobs returns the tracked job keys, for the health endpoint.
func (c *Coordinator) ActiveJobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.jobs))
	for k := range c.jobs {
		keys = append(keys, k)
	}
	return keys
}

// SweepTimeouts aborts every job running longer than the configured
// timeout. Run from cron.
func (c *Coordinator) SweepTimeouts(now time.Time) {
	c.mu.Lock()
	var expired []string
	for key, job := range c.jobs {
		if now.Sub(job.startTime) > c.cfg.JobTimeout {
			expired = append(expired, key)
		}
	}
	c.mu.Unlock()

	for _, key := range expired {
		c.Abort(key)
	}
}
