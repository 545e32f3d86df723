package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"logview/internal/notify"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRabbitMQContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, err := ctr.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatal(err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	rec := &capture{}
	consumer, err := NewAdapter(Config{
		Enabled:  true,
		URL:      url,
		Exchange: "logview.notifications",
		Queue:    "logview.west",
	}, rec.handle)
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := consumer.Start(runCtx); err != nil {
		t.Fatal(err)
	}
	defer consumer.Close()

	producer, err := NewAdapter(Config{
		Enabled:  true,
		URL:      url,
		Exchange: "logview.notifications",
		Queue:    "logview.east",
	}, func(*notify.UpdateNotificationMessage) {})
	if err != nil {
		t.Fatal(err)
	}
	if err := producer.Start(runCtx); err != nil {
		t.Fatal(err)
	}
	defer producer.Close()

	msg := &notify.UpdateNotificationMessage{
		GrainType: "journal", GrainId: "g1",
		Origin: "east", Version: 2,
		Updates: [][]byte{[]byte(`"e1"`), []byte(`"e2"`)},
	}
	if err := producer.Broadcast(ctx, msg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.msgs)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notification did not arrive through rabbitmq")
		}
		time.Sleep(100 * time.Millisecond)
	}
	rec.mu.Lock()
	got := rec.msgs[0]
	rec.mu.Unlock()
	if got.Origin != "east" || got.Version != 2 || len(got.Updates) != 2 {
		t.Fatalf("received = %+v", got)
	}
}
