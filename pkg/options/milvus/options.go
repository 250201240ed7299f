// Package milvusopts provides options for Milvus client configuration.
package milvusopts

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options contains Milvus client configuration.
type Options struct {
	// Address is the Milvus server address (host:port).
	Address string `json:"address" mapstructure:"address"`

	// Database is the database name to use.
	Database string `json:"database" mapstructure:"database"`

	Username string `json:"username" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`

	// Timeout bounds connection setup and each index operation.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Collection holds chunk and summary vectors.
	Collection string `json:"collection" mapstructure:"collection"`

	// NList is the IVF_FLAT cluster count, NProbe the clusters scanned per query.
	NList  int `json:"nlist" mapstructure:"nlist"`
	NProbe int `json:"nprobe" mapstructure:"nprobe"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		Address:    "localhost:19530",
		Database:   "default",
		Timeout:    30 * time.Second,
		Collection: "studymate_chunks",
		NList:      128,
		NProbe:     16,
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "milvus."
	fs.StringVar(&o.Address, p+"address", o.Address, "Milvus server address (host:port).")
	fs.StringVar(&o.Database, p+"database", o.Database, "Milvus database name.")
	fs.StringVar(&o.Username, p+"username", o.Username, "Milvus username for authentication.")
	fs.StringVar(&o.Password, p+"password", o.Password, "Milvus password for authentication.")
	fs.DurationVar(&o.Timeout, p+"timeout", o.Timeout, "Connection and operation timeout.")
	fs.StringVar(&o.Collection, p+"collection", o.Collection, "Collection storing chunk vectors.")
	fs.IntVar(&o.NList, p+"nlist", o.NList, "IVF_FLAT cluster count.")
	fs.IntVar(&o.NProbe, p+"nprobe", o.NProbe, "Clusters probed per search.")
}

// Validate validates the options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Address == "" {
		errs = append(errs, fmt.Errorf("milvus address is required"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("milvus timeout must be positive"))
	}
	if o.Collection == "" {
		errs = append(errs, fmt.Errorf("milvus collection is required"))
	}
	if o.NProbe <= 0 || o.NList <= 0 || o.NProbe > o.NList {
		errs = append(errs, fmt.Errorf("milvus nprobe must be in [1, nlist]"))
	}
	return errs
}

// Complete completes the options.
func (o *Options) Complete() error {
	return nil
}
