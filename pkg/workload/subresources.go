// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workload

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
)

// SubresourceGroupVersion serves the virtual machine instance actions.
var SubresourceGroupVersion = schema.GroupVersion{Group: "subresources.kubevirt.io", Version: "v1"}

// Subresources calls KubeVirt's aggregated API.
type Subresources interface {
	Pause(ctx context.Context, namespace, name string) error
	Unpause(ctx context.Context, namespace, name string) error
}

// RESTSubresources implements Subresources with a REST client.
type RESTSubresources struct {
	rc rest.Interface
}

// NewRESTSubresources builds a REST client for SubresourceGroupVersion.
func NewRESTSubresources(cfg *rest.Config) (*RESTSubresources, error) {
	cfg = rest.CopyConfig(cfg)
	cfg.GroupVersion = &SubresourceGroupVersion
	cfg.APIPath = "/apis"
	cfg.NegotiatedSerializer = scheme.Codecs.WithoutConversion()
	if cfg.UserAgent == "" {
		cfg.UserAgent = rest.DefaultKubernetesUserAgent()
	}

	rc, err := rest.RESTClientFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubevirt subresource client: %w", err)
	}
	return &RESTSubresources{rc: rc}, nil
}

func (s *RESTSubresources) Pause(ctx context.Context, namespace, name string) error {
	return s.put(ctx, namespace, name, "pause")
}

func (s *RESTSubresources) Unpause(ctx context.Context, namespace, name string) error {
	return s.put(ctx, namespace, name, "unpause")
}

func (s *RESTSubresources) put(ctx context.Context, namespace, name, action string) error {
	err := s.rc.Put().
		Namespace(namespace).
		Resource("virtualmachineinstances").
		Name(name).
		SubResource(action).
		SetHeader("Content-Type", "application/json").
		Body([]byte("{}")).
		Do(ctx).
		Error()
	if err != nil {
		return fmt.Errorf("%s vmi %s/%s: %w", action, namespace, name, err)
	}
	return nil
}
