/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package k8s provides utilities for creating Kubernetes clients.
package k8s

import (
	snapshotv1 "github.com/kubernetes-csi/external-snapshotter/client/v8/apis/volumesnapshot/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	kubevirtv1 "kubevirt.io/api/core/v1"
	cdiv1beta1 "kubevirt.io/containerized-data-importer-api/pkg/apis/core/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// InClusterConfig is the kubeconfig value that selects the in-cluster config.
const InClusterConfig = "in-cluster"

// NewKubeRestConfig creates a Kubernetes REST config.
//
// "in-cluster" uses the pod service account, an empty path falls back to the
// default loading rules ($KUBECONFIG then ~/.kube/config), anything else is
// read as a kubeconfig file.
func NewKubeRestConfig(kubeconfigPath string) (*rest.Config, error) {
	switch kubeconfigPath {
	case InClusterConfig:
		return rest.InClusterConfig()
	case "":
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules,
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
	default:
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
}

// NewScheme returns a scheme holding the core, snapshot, KubeVirt and CDI
// API groups.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()

	for _, add := range []func(*runtime.Scheme) error{
		clientgoscheme.AddToScheme,
		snapshotv1.AddToScheme,
		kubevirtv1.AddToScheme,
		cdiv1beta1.AddToScheme,
	} {
		if err := add(scheme); err != nil {
			return nil, err
		}
	}

	return scheme, nil
}

// NewKubeClient creates a controller-runtime client using NewScheme.
func NewKubeClient(restConfig *rest.Config) (client.Client, error) { //nolint:ireturn
	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	return client.New(restConfig, client.Options{Scheme: scheme}) //nolint:exhaustruct
}
