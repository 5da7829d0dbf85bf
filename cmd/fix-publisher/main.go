package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/mqtt"
)

// PublisherConfig holds the simulation settings
type PublisherConfig struct {
	BrokerURL   string
	ClientID    string
	Entities    int
	PublishRate time.Duration
	MaxMessages int
	RandomSeed  int64
	CenterLat   float64
	CenterLon   float64
	SpikeRate   float64
}

// Publisher publishes simulated tracker fixes
type Publisher struct {
	client paho.Client
	config *PublisherConfig
	rand   *rand.Rand
	sims   []*simulatedEntity
	stop   chan struct{}
}

// simulatedEntity alternates between driving and standing still
type simulatedEntity struct {
	ID        string
	Latitude  float64
	Longitude float64
	Heading   float64 // degrees
	Speed     float64 // km/h while moving
	Status    models.DeviceStatus
	stateLeft int // fixes until the next moving/stopped switch
	moving    bool
}

func main() {
	var (
		brokerURL   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		clientID    = flag.String("client", "trackengine-fix-publisher", "MQTT client ID")
		entities    = flag.Int("entities", 5, "Number of simulated trackers")
		rate        = flag.Duration("rate", 5*time.Second, "Publish interval per tracker")
		maxMessages = flag.Int("max", 0, "Max messages (0 = unlimited)")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		lat         = flag.Float64("lat", 50.0, "Field center latitude")
		lon         = flag.Float64("lon", 30.0, "Field center longitude")
		spikes      = flag.Float64("spikes", 0.02, "Probability of a speed spike per fix")
	)
	flag.Parse()

	cfg := &PublisherConfig{
		BrokerURL:   *brokerURL,
		ClientID:    *clientID,
		Entities:    *entities,
		PublishRate: *rate,
		MaxMessages: *maxMessages,
		RandomSeed:  *seed,
		CenterLat:   *lat,
		CenterLon:   *lon,
		SpikeRate:   *spikes,
	}

	publisher, err := NewPublisher(cfg)
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}

	fmt.Printf("Publishing simulated fixes to %s\n", cfg.BrokerURL)
	fmt.Printf("Trackers: %d, interval: %v, center: %.4f, %.4f\n", cfg.Entities, cfg.PublishRate, cfg.CenterLat, cfg.CenterLon)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		publisher.Start()
		close(done)
	}()

	select {
	case <-sigChan:
		fmt.Println("Stopping...")
		publisher.Stop()
		<-done
	case <-done:
		fmt.Println("Publishing finished")
	}
	publisher.client.Disconnect(250)
}

// NewPublisher connects to the broker and seeds the simulated trackers
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	sims := make([]*simulatedEntity, cfg.Entities)
	for i := range sims {
		sims[i] = &simulatedEntity{
			ID:        fmt.Sprintf("veh-%d", i+1),
			Latitude:  cfg.CenterLat + rng.Float64()*0.01 - 0.005,
			Longitude: cfg.CenterLon + rng.Float64()*0.01 - 0.005,
			Heading:   rng.Float64() * 360,
			Speed:     8 + rng.Float64()*22,
			Status:    models.StatusOn,
			stateLeft: 5 + rng.Intn(20),
			moving:    true,
		}
	}

	return &Publisher{
		client: client,
		config: cfg,
		rand:   rng,
		sims:   sims,
		stop:   make(chan struct{}),
	}, nil
}

// Start publishes until Stop or MaxMessages
func (p *Publisher) Start() {
	ticker := time.NewTicker(p.config.PublishRate)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			for _, sim := range p.sims {
				fix := p.advance(sim, now)
				token := p.client.Publish(mqtt.TopicFor(sim.ID), 1, false, mqtt.EncodeFix(fix))
				if token.Wait() && token.Error() != nil {
					log.Printf("Publish failed: %v", token.Error())
					continue
				}
				sent++
				if p.config.MaxMessages > 0 && sent >= p.config.MaxMessages {
					return
				}
			}
		}
	}
}

// Stop ends Start
func (p *Publisher) Stop() {
	close(p.stop)
}

func (p *Publisher) advance(sim *simulatedEntity, now time.Time) models.GpsPoint {
	sim.stateLeft--
	if sim.stateLeft <= 0 {
		sim.moving = !sim.moving
		sim.stateLeft = 5 + p.rand.Intn(20)
		sim.Heading = math.Mod(sim.Heading+p.rand.Float64()*120-60+360, 360)
		// parked trackers sometimes get switched off
		if !sim.moving && p.rand.Float64() < 0.5 {
			sim.Status = models.StatusOff
		} else {
			sim.Status = models.StatusOn
		}
	}

	speed := 0.0
	if sim.moving {
		speed = sim.Speed
		km := speed * p.config.PublishRate.Hours()
		rad := sim.Heading * math.Pi / 180
		sim.Latitude += km * math.Cos(rad) / 111.32
		sim.Longitude += km * math.Sin(rad) / (111.32 * math.Cos(sim.Latitude*math.Pi/180))
	}

	// occasional single-fix speed glitch
	if p.rand.Float64() < p.config.SpikeRate {
		if sim.moving {
			speed = 0
		} else {
			speed = 40 + p.rand.Float64()*40
		}
	}

	return models.GpsPoint{
		EntityID:  sim.ID,
		Latitude:  sim.Latitude + (p.rand.Float64()-0.5)*0.00005,
		Longitude: sim.Longitude + (p.rand.Float64()-0.5)*0.00005,
		Timestamp: now.UTC(),
		Speed:     speed,
		Status:    sim.Status,
	}
}
