package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/remapcore/engine/internal/rewrite/config"
	"github.com/remapcore/engine/internal/rewrite/ruleconf"
	"github.com/remapcore/engine/internal/rewrite/ruletable"
)

var _ = Describe("Build", func() {
	var dir, rulePath string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		rulePath = filepath.Join(dir, "remap.config")
	})

	It("compiles a valid rule file into a ready Rewriter", func() {
		Expect(os.WriteFile(rulePath, []byte("map http://a.test/ http://b.test/\n"), 0o644)).To(Succeed())

		rw, warnings, err := config.Build(rulePath, ruleconf.Options{}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings.Empty()).To(BeTrue())

		result := rw.Rewrite(ruletable.ClassForward, "http", "a.test", "/x", 0)
		Expect(result.Matched).To(BeTrue())
		Expect(result.ToURL.Host).To(Equal("b.test"))
	})

	It("returns an error for a missing file", func() {
		_, _, err := config.Build(filepath.Join(dir, "missing.config"), ruleconf.Options{}, nil)
		Expect(err).To(HaveOccurred())
	})

	It("reports malformed lines as warnings without failing the build", func() {
		Expect(os.WriteFile(rulePath, []byte("bogus line here\nmap http://a.test/ http://b.test/\n"), 0o644)).To(Succeed())

		_, warnings, err := config.Build(rulePath, ruleconf.Options{}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings.Empty()).To(BeFalse())
	})
})

var _ = Describe("Watcher", func() {
	var dir, rulePath string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		rulePath = filepath.Join(dir, "remap.config")
		Expect(os.WriteFile(rulePath, []byte("map http://a.test/ http://b.test/\n"), 0o644)).To(Succeed())
	})

	It("serves the initial build from Current", func() {
		w, warnings, err := config.NewWatcher(rulePath, ruleconf.Options{}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings.Empty()).To(BeTrue())
		defer w.Close()

		result := w.Current().Rewrite(ruletable.ClassForward, "http", "a.test", "/", 0)
		Expect(result.Matched).To(BeTrue())
		Expect(result.ToURL.Host).To(Equal("b.test"))
	})

	It("hot-swaps Current() when the rule file changes", func() {
		w, _, err := config.NewWatcher(rulePath, ruleconf.Options{}, nil)
		Expect(err).NotTo(HaveOccurred())
		defer w.Close()

		reloaded := make(chan *ruleconf.ErrorList, 1)
		Expect(w.Watch(func(warnings *ruleconf.ErrorList) {
			reloaded <- warnings
		})).To(Succeed())

		Expect(os.WriteFile(rulePath, []byte("map http://a.test/ http://c.test/\n"), 0o644)).To(Succeed())

		Eventually(reloaded, 5*time.Second, 50*time.Millisecond).Should(Receive())

		result := w.Current().Rewrite(ruletable.ClassForward, "http", "a.test", "/", 0)
		Expect(result.Matched).To(BeTrue())
		Expect(result.ToURL.Host).To(Equal("c.test"), "Current() must reflect the rewritten rule file")
	})

	It("ignores a remove event and keeps the previous table live", func() {
		w, _, err := config.NewWatcher(rulePath, ruleconf.Options{}, nil)
		Expect(err).NotTo(HaveOccurred())
		defer w.Close()

		before := w.Current()

		reloaded := make(chan *ruleconf.ErrorList, 1)
		Expect(w.Watch(func(warnings *ruleconf.ErrorList) {
			reloaded <- warnings
		})).To(Succeed())

		Expect(os.Remove(rulePath)).To(Succeed())
		// watchLoop only rebuilds on Write/Create; a bare Remove must never
		// trigger a rebuild attempt at all.
		Consistently(reloaded, 300*time.Millisecond, 50*time.Millisecond).ShouldNot(Receive())

		Expect(w.Current()).To(BeIdenticalTo(before))
	})
})
