package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where environment pods will be created
	Namespace string
	// ServiceAccount for environment pods (optional)
	ServiceAccount string
	// GPUSlots is how many GPU environments the cluster may run at once.
	GPUSlots int
}

// KubernetesRuntime provisions one pod per environment and execs phase
// commands into it. Host mounts, port bindings and ulimits are not
// mapped onto pods and are ignored.
type KubernetesRuntime struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	config     KubernetesConfig
}

const podContainerName = "env"

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	// Try in-cluster config first
	config, err := rest.InClusterConfig()
	if err != nil {
		// Fall back to kubeconfig for local development
		log.Printf("In-cluster config not available, trying kubeconfig: %v", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		log.Printf("Using kubeconfig: %s", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	return &KubernetesRuntime{
		clientset:  clientset,
		restConfig: config,
		config:     cfg,
	}, nil
}

func (k *KubernetesRuntime) Capabilities() Capabilities {
	return Capabilities{Name: "kubernetes", GPUSlots: k.config.GPUSlots}
}

// Provision creates an idling pod for the environment and waits for it
// to be running.
func (k *KubernetesRuntime) Provision(ctx context.Context, spec ContextSpec) (ExecContext, error) {
	pod := k.buildPod(spec)

	created, err := k.clientset.CoreV1().Pods(k.config.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create pod: %w", err)
	}
	log.Printf("Created pod %s in namespace %s", created.Name, k.config.Namespace)

	kctx := &k8sContext{
		clientset:  k.clientset,
		restConfig: k.restConfig,
		namespace:  k.config.Namespace,
		podName:    created.Name,
	}
	if err := kctx.waitForRunning(ctx); err != nil {
		_ = kctx.Teardown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("pod %s never became ready: %w", created.Name, err)
	}
	return kctx, nil
}

// buildPod maps an environment spec onto a pod. Kept free of API calls
// so the mapping is testable.
func (k *KubernetesRuntime) buildPod(spec ContextSpec) *corev1.Pod {
	podName := fmt.Sprintf("matrixci-%s-%d", sanitizeName(spec.Name), time.Now().UnixNano())

	var envVars []corev1.EnvVar
	for key, value := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	limits := corev1.ResourceList{}
	if spec.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryBytes, resource.BinarySI)
	}
	if spec.NanoCPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.NanoCPUs/1e6, resource.DecimalSI)
	}
	if spec.GPUs > 0 {
		limits[corev1.ResourceName("nvidia.com/gpu")] = *resource.NewQuantity(int64(spec.GPUs), resource.DecimalSI)
	}
	resources := corev1.ResourceRequirements{}
	if len(limits) > 0 {
		resources.Limits = limits
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: k.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "matrixci",
				"matrixci.io/environment":      sanitizeName(spec.Name),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:       podContainerName,
					Image:      spec.Image,
					Command:    defaultKeepAlive,
					Env:        envVars,
					WorkingDir: spec.Workdir,
					Resources:  resources,
				},
			},
		},
	}
	if k.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	return pod
}

type k8sContext struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	namespace  string
	podName    string
}

func (c *k8sContext) ID() string {
	return c.podName
}

// waitForRunning polls until the pod reaches the Running phase.
func (c *k8sContext) waitForRunning(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, c.podName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return nil
			case corev1.PodSucceeded, corev1.PodFailed:
				return fmt.Errorf("pod exited before becoming ready (phase %s)", pod.Status.Phase)
			}
		}
	}
}

func (c *k8sContext) Exec(ctx context.Context, command string, output io.Writer) (ExecResult, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(c.podName).
		Namespace(c.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: podContainerName,
			Command:   []string{"/bin/sh", "-c", command},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", req.URL())
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to create executor: %w", err)
	}

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: output,
		Stderr: output,
	})
	if err != nil {
		var exitErr utilexec.CodeExitError
		if errors.As(err, &exitErr) {
			return ExecResult{ExitCode: exitErr.Code}, nil
		}
		if ctx.Err() != nil {
			return ExecResult{ExitCode: -1}, ctx.Err()
		}
		return ExecResult{ExitCode: -1}, fmt.Errorf("failed to exec in pod %s: %w", c.podName, err)
	}
	return ExecResult{}, nil
}

// Teardown deletes the pod. The keep-alive command ignores SIGTERM, so
// the pod is deleted without a grace period.
func (c *k8sContext) Teardown(ctx context.Context) error {
	grace := int64(0)
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, c.podName, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", c.podName, err)
	}
	log.Printf("Deleted pod %s", c.podName)
	return nil
}
