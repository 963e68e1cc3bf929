// Package jobs は変換ジョブのドメイン型（状態、レコード、キャッシュスナップショット、
// 整合性の問題、キュー別ペイロード）とエラーを定義します。
//
// 状態遷移:
//   - queued -> processing -> completed | failed
//   - queued -> failed（投入時の失敗）
//
// completed / failed は終端状態で、以降は付随情報の補完以外で変更されません。
package jobs
