package util

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// PodImage ties an image reference to the container that runs it.
type PodImage struct {
	Container string
	Init      bool
	Image     string
}

// ErrNoContainers is returned when a Pod object carries no spec.containers.
var ErrNoContainers = errors.New("pod spec has no containers")

// ImagesFromPodObject collects the images of a decoded Pod, init containers
// first when includeInit is set. Every container must name an image.
func ImagesFromPodObject(obj map[string]interface{}, includeInit bool) ([]PodImage, error) {
	containers, found, err := unstructured.NestedFieldNoCopy(obj, "spec", "containers")
	if err != nil {
		return nil, err
	}
	if !found || containers == nil {
		return nil, ErrNoContainers
	}

	var out []PodImage
	if includeInit {
		initContainers, _, err := unstructured.NestedFieldNoCopy(obj, "spec", "initContainers")
		if err != nil {
			return nil, err
		}
		if initContainers != nil {
			images, err := containerImages(initContainers, "spec.initContainers", true)
			if err != nil {
				return nil, err
			}
			out = append(out, images...)
		}
	}
	images, err := containerImages(containers, "spec.containers", false)
	if err != nil {
		return nil, err
	}
	return append(out, images...), nil
}

func containerImages(value interface{}, field string, init bool) ([]PodImage, error) {
	list, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a list", field, value)
	}
	out := make([]PodImage, 0, len(list))
	for i, item := range list {
		container, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, not an object", field, i, item)
		}
		name, _ := container["name"].(string)
		image, _ := container["image"].(string)
		image = strings.TrimSpace(image)
		if image == "" {
			return nil, fmt.Errorf("%s[%d] (%q) has no image", field, i, name)
		}
		out = append(out, PodImage{Container: name, Init: init, Image: image})
	}
	return out, nil
}

// UniqueImages returns the distinct images in first-seen order.
func UniqueImages(images []PodImage) []string {
	seen := make(map[string]struct{}, len(images))
	out := make([]string, 0, len(images))
	for _, img := range images {
		if _, ok := seen[img.Image]; ok {
			continue
		}
		seen[img.Image] = struct{}{}
		out = append(out, img.Image)
	}
	return out
}
