package main

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// reportExcludedNamespaces lists the cluster's namespaces and logs exclusion
// patterns that currently match none of them. It returns the matched
// namespaces, sorted.
func reportExcludedNamespaces(ctx context.Context, log logr.Logger, client kubernetes.Interface, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	nsList, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	existing := make([]string, 0, len(nsList.Items))
	for _, item := range nsList.Items {
		if name := strings.TrimSpace(item.Name); name != "" {
			existing = append(existing, name)
		}
	}

	results := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, matchErr := matchNamespacePattern(pattern, existing)
		if matchErr != nil {
			log.Error(matchErr, "invalid namespace pattern", "pattern", pattern)
			continue
		}
		if len(matches) == 0 {
			log.Info("namespace exclusion matches no existing namespace", "pattern", pattern)
			continue
		}
		for _, name := range matches {
			results[name] = struct{}{}
		}
	}

	excluded := make([]string, 0, len(results))
	for name := range results {
		excluded = append(excluded, name)
	}
	sort.Strings(excluded)
	log.Info("namespaces excluded from evaluation", "namespaces", excluded)
	return excluded, nil
}

func matchNamespacePattern(pattern string, candidates []string) ([]string, error) {
	matches := make([]string, 0)
	for _, name := range candidates {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	return matches, nil
}
