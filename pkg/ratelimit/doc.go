// Package ratelimit は固定ウィンドウ方式のレート制限を提供する。
//
// クライアント識別子ごとにウィンドウ開始時刻とカウンタを保持し、
// ウィンドウ内のリクエスト数が上限を超えたリクエストを拒否する。
// ウィンドウ境界の平滑化は行わないため、境界をまたぐと最大で上限の2倍まで
// 通過しうる。これは固定ウィンドウ方式の既知の近似である。
//
// カウンタの保存先はStoreインターフェースで差し替えられる。
// プロセス内で完結するMemoryStoreと、同一ホスト上の複数プロセスで
// カウンタを共有できるSQLiteStoreを提供する。
package ratelimit
