package cluster

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/sandboxd/sandboxd/sandbox"
)

const (
	mainContainerName = "sandbox"
	workspaceVolume   = "workspace"
	tmpVolume         = "tmp"
)

// buildPod assembles the manifest for one ephemeral sandbox pod: no
// ServiceAccount-granted privileges beyond what's configured, a
// non-root/no-privilege-escalation/all-capabilities-dropped security
// context, and two size-bounded emptyDir volumes so workspace and /tmp
// writes never touch node disk. The root process is a long sleep strictly
// exceeding the execution timeout; the caller deletes the pod
// unconditionally once done.
func buildPod(cfg Config, name string, params sandbox.RunParams) *corev1.Pod {
	sleepSeconds := params.TimeoutMS/1000 + 10

	nonRoot := true
	allowEscalation := false
	uid := int64(65532)
	gid := int64(65532)

	// Requests: a fixed 100 millicores of CPU, and whichever is smaller of
	// the memory limit or 64 MiB. Limits come from the caller's ceilings:
	// the CPU limit is set only when CPUTimeLimitSec is positive, while the
	// memory limit is always set, floored to minMemoryLimitMB (an unset
	// MemoryLimitMB yields that floor rather than no limit).
	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU: resource.MustParse("100m"),
		},
	}
	if params.CPUTimeLimitSec > 0 {
		cpuLimit := params.CPUTimeLimitSec
		if cpuLimit < minCPULimitSec {
			cpuLimit = minCPULimitSec
		}
		resources.Limits[corev1.ResourceCPU] = resource.MustParse(fmt.Sprintf("%d", cpuLimit))
	}
	memLimit := params.MemoryLimitMB
	if memLimit < minMemoryLimitMB {
		memLimit = minMemoryLimitMB
	}
	resources.Limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", memLimit))
	memRequest := memLimit
	if memRequest > 64 {
		memRequest = 64
	}
	resources.Requests[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", memRequest))

	var imagePullSecrets []corev1.LocalObjectReference
	for _, name := range cfg.ImagePullSecrets {
		imagePullSecrets = append(imagePullSecrets, corev1.LocalObjectReference{Name: name})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				"app":       "code-interpreter",
				"component": "executor",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: cfg.ServiceAccount,
			ImagePullSecrets:   imagePullSecrets,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: &nonRoot,
				RunAsUser:    &uid,
				RunAsGroup:   &gid,
				FSGroup:      &gid,
			},
			Containers: []corev1.Container{
				{
					Name:    mainContainerName,
					Image:   cfg.Image,
					Command: []string{"sleep", fmt.Sprintf("%d", sleepSeconds)},
					Env: []corev1.EnvVar{
						{Name: "PYTHONUNBUFFERED", Value: "1"},
						{Name: "PYTHONDONTWRITEBYTECODE", Value: "1"},
						{Name: "PYTHONIOENCODING", Value: "utf-8"},
						{Name: "MPLCONFIGDIR", Value: "/tmp/matplotlib"},
					},
					Resources: resources,
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &allowEscalation,
						RunAsNonRoot:             &nonRoot,
						RunAsUser:                &uid,
						RunAsGroup:               &gid,
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: workspaceVolume, MountPath: workspaceDir},
						{Name: tmpVolume, MountPath: "/tmp"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: workspaceVolume,
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							SizeLimit: quantityPtr(resource.MustParse("100Mi")),
						},
					},
				},
				{
					Name: tmpVolume,
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							SizeLimit: quantityPtr(resource.MustParse("64Mi")),
						},
					},
				},
			},
		},
	}
}

func quantityPtr(q resource.Quantity) *resource.Quantity {
	return &q
}
