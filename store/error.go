package store

import (
	"fmt"

	"github.com/juant72/prozchain-sub003/lib"
)

func ErrOpenDB(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreOpen, lib.StorageModule, fmt.Sprintf("badger.Open() failed with err: %s", err.Error()))
}

func ErrStoreGet(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreGet, lib.StorageModule, fmt.Sprintf("db get failed with err: %s", err.Error()))
}

func ErrStoreSet(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreSet, lib.StorageModule, fmt.Sprintf("db set failed with err: %s", err.Error()))
}

func ErrCloseDB(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreClose, lib.StorageModule, fmt.Sprintf("db close failed with err: %s", err.Error()))
}

func ErrStoreIterator(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreIterator, lib.StorageModule, fmt.Sprintf("db iterator failed with err: %s", err.Error()))
}

func ErrHeightRegression(got, watermark uint64) lib.ErrorI {
	return lib.NewError(lib.CodeHeightRegression, lib.StorageModule,
		fmt.Sprintf("commit height %d regresses below the persisted watermark %d; refusing to continue", got, watermark))
}
