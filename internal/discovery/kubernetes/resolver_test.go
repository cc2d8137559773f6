package kubernetes

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func service(namespace, name, clusterIP string, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{ClusterIP: clusterIP},
	}
}

func newTestResolver(t *testing.T, namespace string, objs ...*corev1.Service) *Resolver {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	for _, svc := range objs {
		if _, err := clientset.CoreV1().Services(svc.Namespace).Create(context.Background(), svc, metav1.CreateOptions{}); err != nil {
			t.Fatalf("create service: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := NewResolver(ctx, clientset, namespace)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestResolve(t *testing.T) {
	r := newTestResolver(t, "default",
		service("cipher", "edge", "10.0.0.10", map[string]string{
			LabelEnabled:  "true",
			LabelServerID: "primary",
		}),
		service("cipher", "disabled", "10.0.0.11", map[string]string{
			LabelEnabled:  "false",
			LabelServerID: "secondary",
		}),
		service("default", "echo", "10.0.1.1", nil),
		service("other", "echo", "10.0.2.1", nil),
		service("other", "solo", "10.0.2.2", nil),
		service("default", "headless", corev1.ClusterIPNone, nil),
	)

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "primary", want: "10.0.0.10"},
		{name: "secondary", wantErr: true},
		{name: "echo", want: "10.0.1.1"},
		{name: "echo.other", want: "10.0.2.1"},
		{name: "solo", want: "10.0.2.2"},
		{name: "solo.default", wantErr: true},
		{name: "headless", wantErr: true},
		{name: "missing", wantErr: true},
		{name: "192.0.2.7", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestResolveSeesNewServices(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := NewResolver(ctx, clientset, "default")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Resolve(ctx, "late"); err == nil {
		t.Fatal("resolved a service that does not exist yet")
	}

	svc := service("default", "late", "10.9.9.9", nil)
	if _, err := clientset.CoreV1().Services("default").Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := r.Resolve(ctx, "late")
		if err == nil && got == "10.9.9.9" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("informer never observed the new service: %q, %v", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
