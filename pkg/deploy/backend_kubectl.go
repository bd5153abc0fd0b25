package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/unibuild/unibuild/pkg/engine"
)

// Runner runs an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// KubectlBackend provisions, replaces and routes through kubectl. Targets
// map to deployments named <service>-<target>; rolling instances are
// deployments named after the instance.
type KubectlBackend struct {
	Runner         Runner
	Binary         string
	Namespace      string
	Service        string
	Container      string
	RolloutTimeout time.Duration
}

// NewKubectlBackend creates a backend for service in namespace.
func NewKubectlBackend(runner Runner, namespace, service string) *KubectlBackend {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &KubectlBackend{
		Runner:         runner,
		Binary:         "kubectl",
		Namespace:      namespace,
		Service:        service,
		Container:      service,
		RolloutTimeout: 5 * time.Minute,
	}
}

func (k *KubectlBackend) kubectl(ctx context.Context, args ...string) error {
	verb := args[0]
	if k.Namespace != "" {
		args = append([]string{"-n", k.Namespace}, args...)
	}
	if _, err := k.Runner.Run(ctx, k.Binary, args...); err != nil {
		return engine.NewInfrastructureError("kubectl failed", err).WithOperation(verb)
	}
	return nil
}

func (k *KubectlBackend) deployment(name string) string {
	return "deployment/" + name
}

func (k *KubectlBackend) rollout(ctx context.Context, name, artifact string) error {
	if err := k.kubectl(ctx, "set", "image", k.deployment(name), k.Container+"="+artifact); err != nil {
		return err
	}
	return k.kubectl(ctx, "rollout", "status", k.deployment(name), "--timeout="+k.RolloutTimeout.String())
}

// Provision implements Provisioner.
func (k *KubectlBackend) Provision(ctx context.Context, target, artifact string, replicas int) error {
	name := k.Service + "-" + target
	if err := k.kubectl(ctx, "scale", k.deployment(name), "--replicas="+strconv.Itoa(replicas)); err != nil {
		return err
	}
	return k.rollout(ctx, name, artifact)
}

// Replace implements Provisioner.
func (k *KubectlBackend) Replace(ctx context.Context, instances []string, artifact string) error {
	for _, inst := range instances {
		if err := k.rollout(ctx, inst, artifact); err != nil {
			return err
		}
	}
	return nil
}

// Weights implements TrafficReader. The slot in the service selector
// receives all traffic; a service without one reports no weights.
func (k *KubectlBackend) Weights(ctx context.Context) (map[string]int, error) {
	args := []string{"get", "service", k.Service, "-o", "jsonpath={.spec.selector.slot}"}
	if k.Namespace != "" {
		args = append([]string{"-n", k.Namespace}, args...)
	}
	out, err := k.Runner.Run(ctx, k.Binary, args...)
	if err != nil {
		return nil, engine.NewInfrastructureError("kubectl failed", err).WithOperation("get")
	}
	slot := strings.TrimSpace(string(out))
	if slot == "" {
		return map[string]int{}, nil
	}
	return map[string]int{slot: 100}, nil
}

// SetWeights implements TrafficShifter. When one target receives all
// traffic the service selector is pointed at it; the weights are always
// recorded as an annotation for weight-aware ingress controllers.
func (k *KubectlBackend) SetWeights(ctx context.Context, weights map[string]int) error {
	targets := make([]string, 0, len(weights))
	for t := range weights {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, t := range targets {
		if weights[t] == 100 {
			patch, _ := json.Marshal(map[string]interface{}{
				"spec": map[string]interface{}{
					"selector": map[string]string{"app": k.Service, "slot": t},
				},
			})
			if err := k.kubectl(ctx, "patch", "service", k.Service, "-p", string(patch)); err != nil {
				return err
			}
		}
	}

	return k.kubectl(ctx, "annotate", "service", k.Service,
		"unibuild.io/traffic-weights="+describeWeights(weights), "--overwrite")
}
